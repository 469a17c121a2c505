package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/ocfd/internal/resource"
	"github.com/srg/ocfd/internal/transport/mqtt"
	"golang.org/x/term"
)

// printer writes payloads as key=value lines, coloured on a terminal, or as
// JSON with --json.
type printer struct {
	w      io.Writer
	asJSON bool
	key    *color.Color
	value  *color.Color
}

func newPrinter(cmd *cobra.Command) *printer {
	w := cmd.OutOrStdout()
	f, ok := w.(*os.File)
	return newPrinterTo(w, jsonOutput, ok && term.IsTerminal(int(f.Fd())))
}

func newPrinterTo(w io.Writer, asJSON, colored bool) *printer {
	p := &printer{
		w:      w,
		asJSON: asJSON,
		key:    color.New(color.FgCyan),
		value:  color.New(color.Bold),
	}
	if colored {
		p.key.EnableColor()
		p.value.EnableColor()
	} else {
		p.key.DisableColor()
		p.value.DisableColor()
	}
	return p
}

func (p *printer) payload(pl *resource.Payload) error {
	if p.asJSON {
		_, err := fmt.Fprintf(p.w, "%s\n", pl.MustJSON())
		return err
	}

	fields := make([]string, 0, pl.Len())
	for _, k := range pl.Keys() {
		v, _ := pl.Get(k)
		fields = append(fields, p.key.Sprint(k)+"="+p.value.Sprint(v))
	}
	_, err := fmt.Fprintln(p.w, strings.Join(fields, " "))
	return err
}

func (p *printer) links(links []mqtt.Link) error {
	if p.asJSON {
		enc := json.NewEncoder(p.w)
		for _, l := range links {
			if err := enc.Encode(l); err != nil {
				return err
			}
		}
		return nil
	}

	for _, l := range links {
		obs := ""
		if l.Observable {
			obs = " (observable)"
		}
		if _, err := fmt.Fprintf(p.w, "%s %s%s\n", p.key.Sprint(l.Href), strings.Join(l.Types, ","), obs); err != nil {
			return err
		}
	}
	return nil
}
