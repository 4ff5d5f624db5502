package approval

import (
	"strings"

	"github.com/parleyhq/parley/internal/generation/stream"
)

// knownIntegrations are the CLI entrypoints exposed inside the sandbox.
// A bash command whose first word matches one of these is attributed to
// that integration for approval policy and transcript metadata.
var knownIntegrations = map[string]bool{
	"slack":    true,
	"github":   true,
	"gmail":    true,
	"gcal":     true,
	"gdrive":   true,
	"notion":   true,
	"linear":   true,
	"jira":     true,
	"zendesk":  true,
	"hubspot":  true,
	"airtable": true,
}

// writeOperations mutate external state when issued against an
// integration.
var writeOperations = map[string]bool{
	"send":    true,
	"create":  true,
	"update":  true,
	"delete":  true,
	"post":    true,
	"write":   true,
	"upload":  true,
	"reply":   true,
	"merge":   true,
	"close":   true,
	"archive": true,
	"invite":  true,
}

// ClassifyCommand derives {integration, operation, is_write} from a bash
// command line. Only the first pipeline segment is inspected; env
// assignments and common wrappers are skipped.
func ClassifyCommand(command string) stream.CommandInfo {
	segment := command
	for _, sep := range []string{"|", "&&", ";"} {
		if idx := strings.Index(segment, sep); idx >= 0 {
			segment = segment[:idx]
		}
	}

	fields := strings.Fields(segment)
	start := 0
	for start < len(fields) {
		word := fields[start]
		if strings.Contains(word, "=") || word == "sudo" || word == "env" {
			start++
			continue
		}
		break
	}
	if start >= len(fields) {
		return stream.CommandInfo{}
	}

	name := fields[start]
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if !knownIntegrations[name] {
		return stream.CommandInfo{}
	}

	info := stream.CommandInfo{Integration: name}
	for _, word := range fields[start+1:] {
		if strings.HasPrefix(word, "-") {
			continue
		}
		info.Operation = word
		break
	}
	info.IsWrite = writeOperations[info.Operation]
	return info
}
