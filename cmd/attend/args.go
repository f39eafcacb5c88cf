package main

import "strings"

// reorderInterspersedFlags moves flags ahead of positional arguments so the
// standard flag package accepts "attend merkle blk-1 --json blk-2". Flags
// named in valueFlags consume the following argument as their value.
func reorderInterspersedFlags(arguments []string, valueFlags map[string]bool) []string {
	if len(arguments) == 0 {
		return arguments
	}
	flags := make([]string, 0, len(arguments))
	var positionals []string

	for i := 0; i < len(arguments); i++ {
		current := arguments[i]
		if current == "--" {
			positionals = append(positionals, arguments[i+1:]...)
			break
		}
		if len(current) < 2 || current[0] != '-' {
			positionals = append(positionals, current)
			continue
		}
		flags = append(flags, current)
		if takesValue(current, valueFlags) && i+1 < len(arguments) {
			i++
			flags = append(flags, arguments[i])
		}
	}
	return append(flags, positionals...)
}

func takesValue(token string, valueFlags map[string]bool) bool {
	if strings.Contains(token, "=") {
		return false
	}
	return valueFlags[strings.TrimLeft(token, "-")]
}
