package wizard

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/comine-app/comine-relay/internal/crypto"
	"github.com/comine-app/comine-relay/internal/relay"
)

var (
	codeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("241")).
			Padding(0, 3)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Interactive reports whether stdin and stdout are terminals.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// FormatPairingCode splits a code into two groups for reading aloud.
func FormatPairingCode(code string) string {
	if len(code) != crypto.PairingCodeLength {
		return code
	}
	half := len(code) / 2
	return code[:half] + " " + code[half:]
}

// RenderPairingCode returns the boxed pairing code with instructions.
func RenderPairingCode(code string) string {
	var b strings.Builder
	b.WriteString(codeStyle.Render(FormatPairingCode(code)))
	b.WriteString("\n")
	b.WriteString(hintStyle.Render("Enter this code in the browser extension to pair it with this host."))
	return b.String()
}

// ShowPairingCode prints the pairing code.
func ShowPairingCode(code string) {
	fmt.Println()
	fmt.Println(RenderPairingCode(code))
	fmt.Println()
}

// DescribePending returns a one-line description of a pairing request.
func DescribePending(p relay.PendingPairing) string {
	return fmt.Sprintf("%s (%s) [%s]", p.DeviceName, p.Browser, p.DeviceID)
}

// ConfirmPairing asks the user whether to pair the requesting device.
func ConfirmPairing(p relay.PendingPairing) (bool, error) {
	accept := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Pair this browser?").
				Description(DescribePending(p)).
				Affirmative("Accept").
				Negative("Reject").
				Value(&accept),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		return false, err
	}
	return accept, nil
}
