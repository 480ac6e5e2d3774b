// Package clip puts resolver prompts where the operator can paste them.
// The conflicts workflow hands a multi-kilobyte prompt to a human; losing
// it because the host has no clipboard is not acceptable, so the last
// resort is always a temp file.
package clip

import (
	"errors"
	"fmt"
	"os"
	"time"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"
)

// Method names the channel that ended up holding the text.
type Method string

const (
	// MethodNative is the OS clipboard.
	MethodNative Method = "native"
	// MethodOSC52 is the terminal's clipboard via an escape sequence,
	// which also works over SSH and in WSL without Windows interop.
	MethodOSC52 Method = "osc52"
	// MethodFile means no clipboard was reachable and the text was
	// spilled to a temp file instead.
	MethodFile Method = "file"
)

// Result reports where WriteAll put the text. FilePath is set only for
// MethodFile.
type Result struct {
	Method   Method
	FilePath string
}

// Seams for tests; production code never reassigns these.
var (
	copyNative   = atotto.WriteAll
	copyTerminal = terminalCopy
)

// WriteAll makes text available for pasting, preferring the OS
// clipboard, then the terminal clipboard, then a temp file. An error
// means even the file fallback failed.
func WriteAll(text string) (Result, error) {
	if err := copyNative(text); err == nil {
		return Result{Method: MethodNative}, nil
	}
	if err := copyTerminal(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}
	path, err := spillToFile(text)
	if err != nil {
		return Result{}, err
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

// Terminals drop or stall on oversized OSC52 payloads; resolver prompts
// with large diff excerpts can exceed this, and then the file fallback
// is the safer channel.
const maxTerminalPayload = 100_000

func terminalCopy(text string) error {
	switch {
	case text == "":
		return errors.New("nothing to copy")
	case len(text) > maxTerminalPayload:
		return fmt.Errorf("prompt is %d bytes, over the %d byte terminal clipboard limit",
			len(text), maxTerminalPayload)
	case !term.IsTerminal(int(os.Stderr.Fd())):
		return errors.New("stderr is not a terminal")
	}

	seq := osc52.New(text).Limit(maxTerminalPayload)
	if os.Getenv("TMUX") != "" {
		seq = seq.Tmux()
	} else if os.Getenv("STY") != "" {
		seq = seq.Screen()
	}

	// The prompt itself goes to stdout; the escape sequence must not
	// be mixed into it.
	_, err := seq.WriteTo(os.Stderr)
	return err
}

func spillToFile(text string) (path string, err error) {
	f, err := os.CreateTemp("", fmt.Sprintf("swarmops-prompt-%d-*.txt", time.Now().UnixNano()))
	if err != nil {
		return "", err
	}
	path = f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	if _, err = f.WriteString(text); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
