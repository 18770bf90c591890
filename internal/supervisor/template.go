package supervisor

import (
	"fmt"
	"strings"
)

// URLPlaceholder is the token substituted with the resolved upstream URL.
const URLPlaceholder = "[URL]"

// SplitArgs splits an argument template into individual arguments,
// honouring single and double quotes.
func SplitArgs(s string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quote   rune
		inArg   bool
	)

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in template")
	}
	if inArg {
		args = append(args, current.String())
	}
	return args, nil
}

// BuildArgs renders an argument template against a concrete upstream URL.
// The [URL] placeholder is substituted wherever it appears. When extraInput
// is non-empty its arguments are inserted before the "-i" flag; this is how
// HLS protocol options reach the input opener.
func BuildArgs(template, url, extraInput string) ([]string, error) {
	args, err := SplitArgs(template)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(template, URLPlaceholder) {
		return nil, fmt.Errorf("template missing %s placeholder", URLPlaceholder)
	}

	for i, a := range args {
		if strings.Contains(a, URLPlaceholder) {
			args[i] = strings.ReplaceAll(a, URLPlaceholder, url)
		}
	}

	if extraInput != "" {
		extra, err := SplitArgs(extraInput)
		if err != nil {
			return nil, fmt.Errorf("parsing extra input args: %w", err)
		}
		insertAt := len(args)
		for i, a := range args {
			if a == "-i" {
				insertAt = i
				break
			}
		}
		merged := make([]string, 0, len(args)+len(extra))
		merged = append(merged, args[:insertAt]...)
		merged = append(merged, extra...)
		merged = append(merged, args[insertAt:]...)
		args = merged
	}

	return args, nil
}
