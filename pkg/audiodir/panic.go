package audiodir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/audiodir/pkg/audiodir/util"
)

const (
	crashlogFilename        = "audiodir-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                      audiodir crashlog
-----------------------------------------------------------------
Unfortunately, audiodir has crashed.
To help diagnose the issue, a crashlog has been generated.
Please consider sharing this file when opening an issue.
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Default playback device: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

// writeCrashlog dumps the panic value and stack into the log directory
func writeCrashlog(now time.Time, r any, defaultDevice string, stack []byte) (string, error) {
	if err := util.EnsureDirExists(logDirectory); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	contents := fmt.Sprintf(crashMessage, now.Format(crashlogTimestampFormat), r, defaultDevice, stack)
	crashlogPath := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, []byte(contents), 0644); err != nil {
		return "", fmt.Errorf("write crashlog file contents: %w", err)
	}

	return crashlogPath, nil
}

func (d *AudioDir) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	crashlogPath, err := writeCrashlog(time.Now(), r, d.virtualDefaultName(), debug.Stack())
	if err != nil {
		panic(fmt.Errorf("can't even write the crashlog: %w (original panic: %v)", err, r))
	}

	d.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	d.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	d.logger.Errorw("Quitting", "exitCode", 1)
	_ = d.logger.Sync()
	os.Exit(1)
}
