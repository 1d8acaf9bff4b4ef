package casc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/user/cascgo/pkg/jenkins"
)

// LoadListfile registers every name in a listfile whose hash has a Root
// entry and returns the registered names in file order. Lines are either
// "name" or "fileDataID;name"; a leading byte order mark is dropped.
func (c *Context) LoadListfile(ctx context.Context, r io.Reader) ([]string, error) {
	rt, err := c.Root(ctx)
	if err != nil {
		return nil, err
	}

	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	sc := bufio.NewScanner(decoded)
	var names []string
	var skipped int
	for sc.Scan() {
		name := listfileName(sc.Text())
		if name == "" {
			continue
		}
		h := jenkins.FilenameHash(name)
		if !rt.Has(h) {
			skipped++
			continue
		}
		c.Resolve(name, h)
		names = append(names, name)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading listfile: %w", err)
	}
	c.log.WithFields(logrus.Fields{"entries": len(names), "skipped": skipped}).Info("loaded listfile")
	return names, nil
}

func listfileName(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if id, name, ok := strings.Cut(line, ";"); ok && isDigits(id) {
		return strings.TrimSpace(name)
	}
	return line
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
