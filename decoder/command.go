package decoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/kr/pty"

	"github.com/chzchzchz/skyrx/skyrx"
)

var ErrUnsupportedKind = errors.New("no decoder for signal kind")

// Program is one decoder invocation. Args may contain {input} and
// {output}, replaced by the recording and the image path.
type Program struct {
	Path string   `toml:"path"`
	Args []string `toml:"args"`
}

var DefaultPrograms = map[skyrx.Kind]Program{
	skyrx.KindAPT:  {Path: "noaa-apt", Args: []string{"{input}", "-o", "{output}"}},
	skyrx.KindLRPT: {Path: "meteor_decode", Args: []string{"-o", "{output}", "{input}"}},
	skyrx.KindSSTV: {Path: "sstv-decode-wrapper.py", Args: []string{"{input}", "{output}"}},
}

func (p Program) args(input, output string) []string {
	r := strings.NewReplacer("{input}", input, "{output}", output)
	ret := make([]string, len(p.Args))
	for i, a := range p.Args {
		ret[i] = r.Replace(a)
	}
	return ret
}

// Command decodes recordings by running an external program per kind.
// Programs report with SUCCESS:, FAILED: or ERROR: lines and exit 0
// only when an image was written.
type Command struct {
	Programs map[skyrx.Kind]Program
}

func NewCommand(progs map[skyrx.Kind]Program) *Command {
	c := &Command{Programs: make(map[skyrx.Kind]Program)}
	for k, v := range DefaultPrograms {
		c.Programs[k] = v
	}
	for k, v := range progs {
		c.Programs[k] = v
	}
	return c
}

type result struct {
	status string
	msg    string
}

func parseStatus(line string) (result, bool) {
	for _, s := range []string{"SUCCESS", "FAILED", "ERROR"} {
		if strings.HasPrefix(line, s+":") {
			return result{s, strings.TrimSpace(line[len(s)+1:])}, true
		}
	}
	return result{}, false
}

func (c *Command) Decode(ctx context.Context, path, outDir string, kind skyrx.Kind) ([]string, error) {
	prog, ok := c.Programs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(outDir, base+".png")

	// Decoders buffer their output unless they see a terminal.
	cmd := exec.CommandContext(ctx, prog.Path, prog.args(path, out)...)
	fpty, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", prog.Path, err)
	}
	defer fpty.Close()

	var res result
	scanner := bufio.NewScanner(fpty)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if r, ok := parseStatus(line); ok {
			res = r
		}
		glog.V(2).Infof("%s: %s", prog.Path, line)
	}
	werr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	switch {
	case res.status == "ERROR":
		return nil, fmt.Errorf("%s: %s", prog.Path, res.msg)
	case werr != nil && res.status == "":
		return nil, fmt.Errorf("%s: %w", prog.Path, werr)
	case werr != nil:
		glog.Infof("%s %s: %s", prog.Path, path, res.msg)
		return nil, nil
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		glog.Warningf("%s exited cleanly but wrote no image for %s", prog.Path, path)
		return nil, nil
	}
	glog.Infof("decoded %s into %s", path, out)
	return []string{out}, nil
}
