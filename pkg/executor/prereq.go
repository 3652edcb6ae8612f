package executor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CheckPrerequisites verifies that the copy tool, the output flushing helper
// and, when requireSSH is set, the remote shell exist. Paths containing a
// slash must exist on disk; bare names are looked up in PATH.
func CheckPrerequisites(tools Tools, requireSSH bool) error {
	required := []struct{ name, path string }{
		{"rsync", tools.Rsync},
		{"stdbuf", tools.Stdbuf},
	}
	if requireSSH {
		required = append(required, struct{ name, path string }{"ssh", tools.SSH})
	}

	var missing []string
	for _, r := range required {
		if !toolExists(r.path) {
			missing = append(missing, fmt.Sprintf("%s (%s)", r.name, r.path))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrPrerequisiteMissing, strings.Join(missing, ", "))
	}
	return nil
}

func toolExists(p string) bool {
	if p == "" {
		return false
	}
	if !strings.Contains(p, "/") {
		_, err := exec.LookPath(p)
		return err == nil
	}
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
