package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/04041b/segfetch/internal/utils"
	"golang.org/x/term"
)

func PrintProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"]))
}

// ProgressLine is the single stream line shown under an active download.
func ProgressLine(downloaded, total int64, speed float64) string {
	sizes := fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(max(downloaded, 0))), utils.FormatBytes(uint64(max(total, 0))))
	rate := utils.FormatSpeed(int64(max(speed, 0)), 1)
	return fmt.Sprintf("%s%s %s %s", PrintProgressBar(downloaded, total, 30), debugStyle.Render(sizes), StyleSymbols["bullet"], debugStyle.Render(rate))
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
