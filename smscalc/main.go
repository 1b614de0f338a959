// Command smscalc reports how an SMS body will be encoded and segmented, and
// previews {{key}} templates.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"clinic-smsgw/coding"
	"clinic-smsgw/msgtemplate"
)

type report struct {
	coding.EncodingResult
	EncodedBytes int      `json:"encoded_bytes"`
	Message      string   `json:"message"`
	PreviewParts []string `json:"preview_parts,omitempty"`
}

func newReport(msg string, gsmOnly, parts bool) report {
	if gsmOnly {
		msg = coding.Sanitize(msg)
	}
	r := report{
		EncodingResult: coding.Calculate(msg),
		EncodedBytes:   coding.EncodedLength(msg),
		Message:        msg,
	}
	if parts {
		r.PreviewParts = coding.Split(msg)
	}
	return r
}

func writeReport(w io.Writer, r report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "encoding:          %s\n", r.Encoding)
	fmt.Fprintf(w, "characters:        %d\n", r.CharCount)
	fmt.Fprintf(w, "segments:          %d\n", r.Segments)
	fmt.Fprintf(w, "chars per segment: %d\n", r.CharsPerSegment)
	fmt.Fprintf(w, "encoded bytes:     %d\n", r.EncodedBytes)
	for i, p := range r.PreviewParts {
		fmt.Fprintf(w, "preview part %d: %s\n", i+1, p)
	}
	if len(r.PreviewParts) > r.Segments {
		fmt.Fprintf(w, "note: a carrier keeping escape/surrogate pairs whole sends %d parts\n", len(r.PreviewParts))
	}
	return nil
}

// readMessage joins the arguments, or reads stdin when there are none.
func readMessage(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(b), "\n"), nil
}

func newRootCmd() *cobra.Command {
	var (
		asJSON  bool
		gsmOnly bool
	)

	root := &cobra.Command{
		Use:           "smscalc",
		Short:         "SMS encoding and segment calculator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	root.PersistentFlags().BoolVar(&gsmOnly, "gsm-only", false, "replace characters outside GSM-7 before counting")

	var showParts bool
	segments := &cobra.Command{
		Use:   "segments [message...]",
		Short: "Show encoding, character count and segment count for a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := readMessage(cmd, args)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), newReport(msg, gsmOnly, showParts), asJSON)
		},
	}
	segments.Flags().BoolVar(&showParts, "parts", false, "also print a preview of each segment body")

	var rawVars []string
	preview := &cobra.Command{
		Use:   "preview <template>",
		Short: "Substitute --var values into a template and report on the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVars(rawVars)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			rendered := msgtemplate.Substitute(args[0], vars)
			r := newReport(rendered, gsmOnly, false)
			if asJSON {
				return writeReport(out, r, true)
			}
			fmt.Fprintln(out, r.Message)
			var missing []string
			for _, key := range msgtemplate.Placeholders(args[0]) {
				if _, ok := vars[key]; !ok {
					missing = append(missing, key)
				}
			}
			if len(missing) > 0 {
				fmt.Fprintf(out, "unfilled placeholders: %s\n", strings.Join(missing, ", "))
			}
			return writeReport(out, r, false)
		},
	}
	// StringArray keeps commas inside a value; StringToString would split on them.
	preview.Flags().StringArrayVar(&rawVars, "var", nil, "template value as key=value (repeatable)")

	root.AddCommand(segments, preview)
	return root
}

func parseVars(raw []string) (map[string]string, error) {
	vars := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--var %q: want key=value", kv)
		}
		vars[key] = value
	}
	return vars, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
