package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"

	"skinsync/models"
)

// password reads the appliance password from stdin when --password-stdin
// is set, otherwise prompts on the terminal. It returns
// models.ErrPasswordRequired when neither is possible. The answer is
// cached until retryPassword discards it.
func (a *app) password(out io.Writer, host string) (string, error) {
	if a.pw != "" {
		return a.pw, nil
	}
	if a.opts.passwordStdin {
		if a.in == nil {
			a.in = bufio.NewReader(a.stdin)
		}
		pw, err := readPasswordLine(a.in)
		a.pw = pw
		return pw, err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.Wrap(models.ErrPasswordRequired, "stdin is not a terminal; use --password-stdin")
	}
	prompt := "Appliance password: "
	if host != "" {
		prompt = fmt.Sprintf("Password for %s: ", host)
	}
	fmt.Fprint(out, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	if len(raw) == 0 {
		return "", models.ErrPasswordRequired
	}
	a.pw = string(raw)
	return a.pw, nil
}

// retryPassword drops the cached password and asks again. With
// --password-stdin the next line is used.
func (a *app) retryPassword(out io.Writer, host string) (string, error) {
	a.pw = ""
	return a.password(out, host)
}

func readPasswordLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "read password from stdin")
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", models.ErrPasswordRequired
	}
	return password, nil
}
