package observability

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var (
	termMu       sync.Mutex
	statusActive bool
	pulseOn      bool
)

const banner = `
  _   _ ___ __  __ ____  _   _ ____
 | \ | |_ _|  \/  | __ )| | | / ___|
 |  \| || || |\/| |  _ \| | | \___ \
 | |\  || || |  | | |_) | |_| |___) |
 |_| \_|___|_|  |_|____/ \___/|____/
`

// termWidth returns the current terminal width, defaulting to 80 when the
// output is not a terminal.
func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func centerLine(s string, width int) string {
	if len(s) >= width {
		return s
	}
	pad := (width - len(s)) / 2
	return strings.Repeat(" ", pad) + s
}

// PrintBanner draws the startup banner with version and mode details.
func PrintBanner(version, mode string) {
	termMu.Lock()
	defer termMu.Unlock()

	width := termWidth()
	fmt.Println()
	for _, line := range strings.Split(strings.Trim(banner, "\n"), "\n") {
		fmt.Println(centerLine(line, width))
	}
	fmt.Println()
	fmt.Println(centerLine("local-first assistant core", width))
	fmt.Println(centerLine(fmt.Sprintf("version %s  |  mode %s  |  %s", version, mode, runtime.Version()), width))
	fmt.Println(centerLine(strings.Repeat("-", min(width-4, 60)), width))
	fmt.Println()
}

// TermWriter serializes log output with the live status line so concurrent
// writers do not interleave mid-line.
type TermWriter struct{}

func (TermWriter) Write(p []byte) (int, error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stdout.Write(p)
}

// InitializeTerminal reserves the bottom row for the live status line by
// shrinking the scroll region. Safe to call when stdout is not a terminal.
func InitializeTerminal() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	termMu.Lock()
	defer termMu.Unlock()
	_, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || h < 3 {
		return
	}
	fmt.Printf("\033[1;%dr", h-1)
	fmt.Print("\033[1;1H")
	statusActive = true
}

// CleanupTerminal restores the full scroll region and clears the status row.
func CleanupTerminal() {
	termMu.Lock()
	defer termMu.Unlock()
	if !statusActive {
		return
	}
	_, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err == nil && h >= 3 {
		fmt.Printf("\033[%d;1H\033[2K", h)
	}
	fmt.Print("\033[r")
	statusActive = false
}

// StatusSnapshot carries the live counters shown on the status row.
type StatusSnapshot struct {
	Uptime       time.Duration
	ActivePlans  int
	ActiveRuns   int
	VoiceRunning bool
	LastActivity string
}

// PrintLiveStatus redraws the pinned status row. It builds the status string
// before taking the terminal lock so slow formatting never blocks loggers.
func PrintLiveStatus(s StatusSnapshot) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	voice := "off"
	if s.VoiceRunning {
		voice = "on"
	}
	pulse := " "
	if pulseOn {
		pulse = "*"
	}
	status := fmt.Sprintf(" %s up %s | plans %d | runs %d | voice %s | mem %dMB | %s",
		pulse,
		s.Uptime.Round(time.Second),
		s.ActivePlans,
		s.ActiveRuns,
		voice,
		mem.Alloc/1024/1024,
		s.LastActivity,
	)

	termMu.Lock()
	defer termMu.Unlock()
	if !statusActive {
		return
	}
	pulseOn = !pulseOn
	_, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || h < 3 {
		return
	}
	w := termWidth()
	if len(status) > w {
		status = status[:w]
	}
	fmt.Print("\033[s")
	fmt.Printf("\033[%d;1H\033[2K\033[7m%s\033[0m", h, status)
	fmt.Print("\033[u")
}
