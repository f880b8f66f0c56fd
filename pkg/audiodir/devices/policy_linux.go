package devices

import (
	"fmt"
	"io"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

type paPolicyConfig struct {
	logger *zap.SugaredLogger
	client *proto.Client
	conn   io.Closer
}

// NewPolicyConfig opens a dedicated PulseAudio connection used to change the default sink
func NewPolicyConfig(logger *zap.SugaredLogger, opts ProviderOptions) (PolicyConfig, error) {
	client, conn, err := connectPulse(opts.PulseServer)
	if err != nil {
		return nil, err
	}

	return &paPolicyConfig{
		logger: logger.Named("policy"),
		client: client,
		conn:   conn,
	}, nil
}

// SetDefaultEndpoint changes the default sink. Pulse has no per-role defaults,
// so both roles move together.
func (pc *paPolicyConfig) SetDefaultEndpoint(id string, role Role) error {
	if err := pc.client.Request(&proto.SetDefaultSink{SinkName: id}, nil); err != nil {
		return fmt.Errorf("set default sink: %w", err)
	}

	pc.logger.Debugw("Set default sink", "sink", id, "role", role)
	return nil
}

func (pc *paPolicyConfig) Release() error {
	return pc.conn.Close()
}
