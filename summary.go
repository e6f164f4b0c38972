package triagewalk

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"triagewalk/crash"
)

// EntryFor flattens a result into the database entry. engines lists the
// debugger analyzer names to consult, the first one holding a crash.Record
// wins.
func EntryFor(res Result, command []string, engines ...string) *crash.Entry {

	e := &crash.Entry{
		Name:      res.Name,
		Path:      res.Path,
		Command:   command,
		Timestamp: time.Now().Unix(),
	}

	for _, v := range res.Analysis {
		m, ok := v.(crash.Meta)
		if !ok {
			continue
		}
		e.Size = m.Size
		if sum, err := hex.DecodeString(m.Hash); err == nil {
			e.SHA256 = sum
		}
		break
	}

	for _, name := range engines {
		r, ok := res.Analysis[name].(crash.Record)
		if !ok {
			continue
		}
		e.Engine = name
		e.Fill(r)
		break
	}
	return e
}

// Summarize presents a nicely formatted, human readable summary of the crash.
// Quite a lot of analysis can be performed by combining this output with
// `awk`,`grep`, `sort`, `uniq -c` etc etc.
func Summarize(e *crash.Entry) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "---CRASH SUMMARY---\n")
	fmt.Fprintf(&buf, "Filename: %s\n", e.Path)
	fmt.Fprintf(&buf, "SHA256: %s\n", hex.EncodeToString(e.SHA256))
	fmt.Fprintf(&buf, "Size: %d\n", e.Size)
	fmt.Fprintf(&buf, "Engine: %s\n", e.Engine)
	if len(e.Command) > 0 {
		fmt.Fprintf(&buf, "Command: %s\n", strings.Join(e.Command, " "))
	}
	switch {
	case e.TimedOut:
		fmt.Fprintf(&buf, "Reason: (timed out)\n")
	case e.Incomplete:
		fmt.Fprintf(&buf, "Reason: (stopped, extraction incomplete)\n")
	case e.Reason == "":
		fmt.Fprintf(&buf, "Reason: (no crash)\n")
	default:
		fmt.Fprintf(&buf, "Reason: %s\n", e.Reason)
	}
	fmt.Fprintf(&buf, "Hash: %s\n", e.Hash)
	fmt.Fprintf(&buf, "Stack Head (%d entries):\n", len(e.Stack))
	for i, l := range e.Stack {
		sym := l.Symbol
		if sym == "" {
			sym = "???"
		}
		fmt.Fprintf(&buf, "   %-25.25s @ 0x%.16x\n", sym, l.Address)
		if i > 14 {
			break
		}
	}
	fmt.Fprintf(&buf, "Registers:")
	for i, reg := range e.Registers {
		if i%4 == 0 { // 4 registers per line
			fmt.Fprintf(&buf, "\n")
		}
		// OCD column alignent
		fmt.Fprintf(&buf, "%3.3s=0x%.16x ", reg.Name, reg.Value)
	}
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "---END SUMMARY---")
	return buf.String()
}
