// internal/browser/pools.go
package browser

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

// randomLine picks a random non-empty, non-comment line from path. Used for
// the per-session user agent and proxy pools.
func randomLine(path string) (string, error) {
	lines, err := readLines(path)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("no usable entries in %s", path)
	}
	return lines[rand.Intn(len(lines))], nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
