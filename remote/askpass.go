package remote

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// askpassSecretEnv carries the password to the helper so it never touches
// disk.
const askpassSecretEnv = "SKINSYNC_ASKPASS_SECRET"

const askpassScript = "#!/bin/sh\nprintf '%s\\n' \"$" + askpassSecretEnv + "\"\n"

// askpass is a one-shot SSH_ASKPASS helper living in a private temp
// directory. Close must run on every path.
type askpass struct {
	dir    string
	path   string
	secret string
}

func newAskpass(secret string) (*askpass, error) {
	dir, err := os.MkdirTemp("", "skinsync-askpass-")
	if err != nil {
		return nil, errors.Wrap(err, "create askpass directory")
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Wrap(err, "restrict askpass directory")
	}

	path := filepath.Join(dir, "askpass")
	if err := os.WriteFile(path, []byte(askpassScript), 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Wrap(err, "write askpass helper")
	}
	return &askpass{dir: dir, path: path, secret: secret}, nil
}

// env returns the variables that make ssh consult the helper without a
// terminal.
func (a *askpass) env() []string {
	vars := []string{
		"SSH_ASKPASS=" + a.path,
		"SSH_ASKPASS_REQUIRE=force",
		askpassSecretEnv + "=" + a.secret,
	}
	if os.Getenv("DISPLAY") == "" {
		vars = append(vars, "DISPLAY=skinsync:0")
	}
	return vars
}

func (a *askpass) Close() error {
	return os.RemoveAll(a.dir)
}
