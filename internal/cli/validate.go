package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ValorenceCLE/iocontrol/internal/config"
)

// ErrCodeConfigInvalid is reported when a document has error-level issues.
const ErrCodeConfigInvalid = "CONFIG_INVALID"

// ValidationResult is the JSON payload of the validate command.
type ValidationResult struct {
	Valid    bool           `json:"valid"`
	Source   string         `json:"source"`
	Points   int            `json:"points"`
	Errors   int            `json:"errors"`
	Warnings int            `json:"warnings"`
	Info     int            `json:"info"`
	Issues   []config.Issue `json:"issues"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration document",
		Long: `Validate a YAML or JSON configuration document without touching hardware.

The document is checked against the schema, then every I/O point is checked
for naming, type, hardware reference and safety rules. Issues are reported
as errors, warnings or info; only errors make the document invalid.

Exit codes:
  0 - Document is valid (warnings and info may be present)
  1 - Document has errors
  2 - Document could not be read or parsed`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	report, points, err := validateFile(path)
	if err != nil {
		var le *config.LoadError
		if errors.As(err, &le) {
			_ = formatter.Error(le.Code, le.Error(), nil)
			return WrapExitError(ExitCommandError, "cannot load config", err)
		}
		_ = formatter.Error("ERROR", err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot load config", err)
	}
	formatter.VerboseLog("Checked %d point(s) in %s", points, path)

	result := ValidationResult{
		Valid:    report.Valid(),
		Source:   report.Source,
		Points:   points,
		Errors:   report.Count(config.LevelError),
		Warnings: report.Count(config.LevelWarning),
		Info:     report.Count(config.LevelInfo),
		Issues:   report.Issues,
	}

	if formatter.JSON() {
		if err := outputValidateJSON(formatter, result); err != nil {
			return err
		}
	} else {
		renderReport(formatter.Writer, result)
	}

	if !result.Valid {
		// Validation failures are exit code 1, like failed scenarios.
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", result.Errors))
	}
	return nil
}

// validateFile loads path and returns its issue report and point count.
// Schema violations become report issues; read and parse failures are
// returned as errors.
func validateFile(path string) (config.Report, int, error) {
	doc, err := config.LoadFile(path)
	if err != nil {
		var le *config.LoadError
		if errors.As(err, &le) && le.Code == config.ErrCodeSchema {
			return config.SchemaReport(le), 0, nil
		}
		return config.Report{}, 0, err
	}
	return config.Check(doc), len(doc.Points), nil
}

func outputValidateJSON(f *OutputFormatter, result ValidationResult) error {
	var cliErr *CLIError
	if !result.Valid {
		cliErr = &CLIError{
			Code:    ErrCodeConfigInvalid,
			Message: fmt.Sprintf("%d error(s) in %s", result.Errors, result.Source),
		}
	}
	return f.Respond(result, cliErr)
}

type reportStyles struct {
	header  lipgloss.Style
	error   lipgloss.Style
	warning lipgloss.Style
	info    lipgloss.Style
	path    lipgloss.Style
	hint    lipgloss.Style
	ok      lipgloss.Style
}

// newReportStyles binds styles to w so color is only emitted when w is a
// terminal.
func newReportStyles(w io.Writer) reportStyles {
	r := lipgloss.NewRenderer(w)
	return reportStyles{
		header:  r.NewStyle().Bold(true),
		error:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		warning: r.NewStyle().Foreground(lipgloss.Color("226")),
		info:    r.NewStyle().Foreground(lipgloss.Color("39")),
		path:    r.NewStyle().Bold(true),
		hint:    r.NewStyle().Faint(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

// renderReport writes the leveled text report.
func renderReport(w io.Writer, result ValidationResult) {
	st := newReportStyles(w)
	p := message.NewPrinter(language.English)

	header := "Validating " + result.Source
	if result.Points > 0 {
		header += p.Sprintf(" (%d %s)", result.Points, plural(result.Points, "point", "points"))
	}
	fmt.Fprintln(w, st.header.Render(header))

	sections := []struct {
		level  config.Level
		title  string
		marker string
		style  lipgloss.Style
	}{
		{config.LevelError, "Errors", "✗", st.error},
		{config.LevelWarning, "Warnings", "⚠", st.warning},
		{config.LevelInfo, "Info", "ℹ", st.info},
	}
	report := config.Report{Source: result.Source, Issues: result.Issues}
	for _, sec := range sections {
		issues := report.ByLevel(sec.level)
		if len(issues) == 0 {
			continue
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, sec.style.Render(p.Sprintf("%s (%d)", sec.title, len(issues))))
		for _, is := range issues {
			fmt.Fprintf(w, "  %s %s: %s\n", sec.style.Render(sec.marker), st.path.Render(is.Path), is.Message)
			if is.Suggestion != "" {
				fmt.Fprintf(w, "    %s\n", st.hint.Render("hint: "+is.Suggestion))
			}
		}
	}

	fmt.Fprintln(w)
	summary := ""
	if len(result.Issues) > 0 {
		summary = p.Sprintf(": %d %s, %d %s, %d info",
			result.Errors, plural(result.Errors, "error", "errors"),
			result.Warnings, plural(result.Warnings, "warning", "warnings"),
			result.Info)
	}
	if result.Valid {
		fmt.Fprintln(w, st.ok.Render("✓ Configuration valid"+summary))
		return
	}
	fmt.Fprintln(w, st.error.Render("✗ Configuration invalid"+summary))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
