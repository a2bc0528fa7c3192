package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// PrintError writes a command failure to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", color.RedString("Error:"), err)
}
