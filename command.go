package triagewalk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Marker is substituted with the path of each unit in the target command.
const Marker = "@@"

var ErrNoMarker = errors.New("no substitute markers ( @@ ) in supplied command")

// Substitute returns a copy of args with every Marker replaced by path.
func Substitute(args []string, path string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i, s := range out {
		if s == Marker {
			out[i] = path
		}
	}
	return out
}

// HasMarker reports whether any element of args is a Marker.
func HasMarker(args []string) bool {
	for _, s := range args {
		if s == Marker {
			return true
		}
	}
	return false
}

// CheckCommand smoke tests a target command. The binary must resolve to an
// executable, and unless the target reads the unit on stdin the arguments
// must contain at least one Marker.
func CheckCommand(command []string, stdin bool) error {
	if len(command) == 0 {
		return errors.New("empty target command")
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return fmt.Errorf("couldn't exec command '%s': %w", command[0], err)
	}
	if !stdin && !HasMarker(command[1:]) {
		return ErrNoMarker
	}
	return nil
}

// AFL writes a README.txt into each crashes directory:
//
// Command line used to find this crash:
//
// ./afl-fuzz -i in -o out -m 50 -- /path/to/target -aa no -png @@
//
// If you can't reproduce a bug outside of afl-fuzz, be sure to set the same
// memory limit. The limit used for this fuzzing session was 50.0 MB.
var aflLimitRgx = regexp.MustCompile(`limit used for this fuzzing session was ([0-9.]+) MB`)

// ParseReadme extracts the target command and the memory limit (in bytes,
// -1 if absent) from an AFL README.txt. The command is nil when the file is
// not in the expected format.
func ParseReadme(r io.Reader) (cmd []string, memory int64) {

	memory = -1
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	if scanner.Text() != "Command line used to find this crash:" {
		return
	}

	scanner.Scan() // blank line
	scanner.Scan()
	subst := strings.SplitN(scanner.Text(), " -- ", 2)
	if len(subst) != 2 {
		return
	}
	cmd = strings.Fields(subst[1])

	for scanner.Scan() {
		m := aflLimitRgx.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		mb, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			memory = int64(mb * 1024 * 1024)
		}
		break
	}
	return
}

// ReadReadme is ParseReadme on a file.
func ReadReadme(path string) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, -1, err
	}
	defer f.Close()
	cmd, mem := ParseReadme(f)
	if cmd == nil {
		return nil, -1, fmt.Errorf("%s: no recorded command", path)
	}
	return cmd, mem, nil
}
