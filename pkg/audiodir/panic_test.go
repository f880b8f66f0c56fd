package audiodir

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MixyLabs/audiodir/internal/assert"
)

func TestWriteCrashlog(t *testing.T) {
	t.Chdir(t.TempDir())

	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.Local)
	path, err := writeCrashlog(now, errors.New("boom"), "Speakers", []byte("goroutine 1 [running]"))
	assert.NilErr(t, err)
	assert.DeepEqual(t, path, "logs/audiodir-crash-2024.03.01-12.30.00.log")

	contents, err := os.ReadFile(path)
	assert.NilErr(t, err)

	for _, want := range []string{"Panic occurred: boom", "Default playback device: Speakers", "goroutine 1 [running]"} {
		if !strings.Contains(string(contents), want) {
			t.Fatalf("crashlog is missing %q:\n%s", want, contents)
		}
	}
}
