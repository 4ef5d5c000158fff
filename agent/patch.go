// ABOUTME: v4a patch format: parse Add/Delete/Update/Move operations and apply them via the environment.
// ABOUTME: Update hunks locate themselves by context lines, with a whitespace-insensitive fuzzy fallback.

package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// PatchOpType is the kind of file operation in a patch.
type PatchOpType string

const (
	PatchOpAdd    PatchOpType = "add"
	PatchOpDelete PatchOpType = "delete"
	PatchOpUpdate PatchOpType = "update"
	PatchOpMove   PatchOpType = "move"
)

// Patch is a parsed v4a patch: an ordered list of file operations.
type Patch struct {
	Operations []PatchOperation
}

// PatchOperation is one file-level operation.
type PatchOperation struct {
	Type    PatchOpType
	Path    string
	MoveTo  string   // Move only
	Content []string // Add only, lines without the + prefix
	Hunks   []Hunk   // Update only
}

// Hunk is one change region of an Update. MatchLines and ReplaceLines keep
// context and change lines interleaved in their original order, which is what
// actually gets matched against (and written into) the file.
type Hunk struct {
	ContextHint  string   // text of the @@@ ... @@@ / @@ ... marker, if any
	ContextLines []string // " "-prefixed lines
	DeleteLines  []string // "-"-prefixed lines
	AddLines     []string // "+"-prefixed lines
	MatchLines   []string // context + deletes, in order
	ReplaceLines []string // context + adds, in order
}

// PatchResult summarizes what applying a patch did.
type PatchResult struct {
	Summary       string
	FilesCreated  int
	FilesDeleted  int
	FilesModified int
	FilesMoved    int
	Details       []string
}

// patch section markers
const (
	markerBegin  = "*** Begin Patch"
	markerEnd    = "*** End Patch"
	markerEOF    = "*** End of File"
	markerAdd    = "*** Add File: "
	markerDelete = "*** Delete File: "
	markerUpdate = "*** Update File: "
	markerMove   = "*** Move File: "
)

// patchCursor walks the patch text line by line.
type patchCursor struct {
	lines []string
	pos   int
}

func (c *patchCursor) done() bool { return c.pos >= len(c.lines) }

// raw is the current line untouched; clean has trailing whitespace removed.
func (c *patchCursor) raw() string   { return c.lines[c.pos] }
func (c *patchCursor) clean() string { return strings.TrimRight(c.lines[c.pos], " \t\r") }

// isFileMarker: is this line the start of another file operation?
func isFileMarker(line string) bool {
	for _, m := range []string{markerAdd, markerDelete, markerUpdate, markerMove} {
		if strings.HasPrefix(line, strings.TrimRight(m, " ")) {
			return true
		}
	}
	return false
}

// ParsePatch parses v4a patch text. Trailing whitespace is tolerated
// everywhere; the *** markers themselves are not negotiable.
func ParsePatch(input string) (*Patch, error) {
	if input == "" {
		return nil, fmt.Errorf("invalid patch: empty input")
	}

	c := &patchCursor{lines: strings.Split(input, "\n")}
	if c.clean() != markerBegin {
		return nil, fmt.Errorf("invalid patch: expected '%s' on first line, got %q", markerBegin, c.raw())
	}
	c.pos++

	patch := &Patch{}
	for !c.done() {
		line := c.clean()
		switch {
		case strings.HasPrefix(line, markerAdd):
			patch.Operations = append(patch.Operations, c.parseAdd(line))

		case strings.HasPrefix(line, markerDelete):
			patch.Operations = append(patch.Operations, PatchOperation{
				Type: PatchOpDelete,
				Path: strings.TrimPrefix(line, markerDelete),
			})
			c.pos++

		case strings.HasPrefix(line, markerUpdate):
			patch.Operations = append(patch.Operations, c.parseUpdate(line))

		case strings.HasPrefix(line, markerMove):
			op, err := parseMoveLine(line)
			if err != nil {
				return nil, err
			}
			patch.Operations = append(patch.Operations, op)
			c.pos++

		default:
			// blank lines, End Patch, and anything unrecognized between ops
			c.pos++
		}
	}

	return patch, nil
}

// parseAdd consumes the +-prefixed body of an Add File block.
func (c *patchCursor) parseAdd(header string) PatchOperation {
	op := PatchOperation{Type: PatchOpAdd, Path: strings.TrimPrefix(header, markerAdd)}
	c.pos++

	for !c.done() && !strings.HasPrefix(c.clean(), "*** ") {
		if l := c.raw(); strings.HasPrefix(l, "+") {
			op.Content = append(op.Content, l[1:])
		}
		c.pos++
	}
	return op
}

// parseUpdate consumes the hunks of an Update File block.
func (c *patchCursor) parseUpdate(header string) PatchOperation {
	op := PatchOperation{Type: PatchOpUpdate, Path: strings.TrimPrefix(header, markerUpdate)}
	c.pos++

	for !c.done() {
		line := c.clean()
		if isFileMarker(line) || line == markerEnd {
			break
		}

		switch {
		case strings.HasPrefix(line, "@@"):
			// covers both @@@ ... @@@ and @@ ... hint forms
			hint := extractContextHint(line)
			c.pos++
			op.Hunks = append(op.Hunks, c.parseHunkBody(hint))
		case strings.HasPrefix(line, " ") || strings.HasPrefix(line, "-") || strings.HasPrefix(line, "+"):
			// hintless hunk
			op.Hunks = append(op.Hunks, c.parseHunkBody(""))
		default:
			// "*** End of File", blank lines, and anything else between hunks
			c.pos++
		}
	}
	return op
}

// parseHunkBody classifies body lines by their first character.
func (c *patchCursor) parseHunkBody(contextHint string) Hunk {
	hunk := Hunk{ContextHint: contextHint}

	for !c.done() {
		trimmed := c.clean()
		if strings.HasPrefix(trimmed, "@@") || isFileMarker(trimmed) || trimmed == markerEnd {
			break
		}
		if trimmed == markerEOF {
			c.pos++
			break
		}

		l := c.raw()
		c.pos++
		if len(l) == 0 {
			continue
		}

		rest := l[1:]
		switch l[0] {
		case ' ':
			hunk.ContextLines = append(hunk.ContextLines, rest)
			hunk.MatchLines = append(hunk.MatchLines, rest)
			hunk.ReplaceLines = append(hunk.ReplaceLines, rest)
		case '-':
			hunk.DeleteLines = append(hunk.DeleteLines, rest)
			hunk.MatchLines = append(hunk.MatchLines, rest)
		case '+':
			hunk.AddLines = append(hunk.AddLines, rest)
			hunk.ReplaceLines = append(hunk.ReplaceLines, rest)
		default:
			// unprefixed lines count as context; some models drop the space
			hunk.ContextLines = append(hunk.ContextLines, l)
			hunk.MatchLines = append(hunk.MatchLines, l)
			hunk.ReplaceLines = append(hunk.ReplaceLines, l)
		}
	}
	return hunk
}

// extractContextHint pulls the hint text out of @@@ ... @@@ or @@ ... lines.
func extractContextHint(line string) string {
	if strings.HasPrefix(line, "@@@") {
		hint := strings.TrimPrefix(line, "@@@")
		if idx := strings.Index(hint, "@@@"); idx >= 0 {
			hint = hint[:idx]
		}
		return strings.TrimSpace(hint)
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "@@"))
}

func parseMoveLine(line string) (PatchOperation, error) {
	rest := strings.TrimPrefix(line, markerMove)
	from, to, ok := strings.Cut(rest, " -> ")
	if !ok {
		return PatchOperation{}, fmt.Errorf("invalid move syntax: expected 'old/path -> new/path', got %q (missing '->' separator)", rest)
	}
	return PatchOperation{
		Type:   PatchOpMove,
		Path:   strings.TrimSpace(from),
		MoveTo: strings.TrimSpace(to),
	}, nil
}

// --- application ---

// ApplyPatch runs every operation against the environment, in order.
func ApplyPatch(patch *Patch, env ExecutionEnvironment) (*PatchResult, error) {
	result := &PatchResult{}

	record := func(counter *int, detail string) {
		*counter++
		result.Details = append(result.Details, detail)
	}

	for _, op := range patch.Operations {
		switch op.Type {
		case PatchOpAdd:
			if err := env.WriteFile(op.Path, strings.Join(op.Content, "\n")); err != nil {
				return nil, fmt.Errorf("add file %s: %w", op.Path, err)
			}
			record(&result.FilesCreated, "Added: "+op.Path)

		case PatchOpDelete:
			if err := env.DeleteFile(op.Path); err != nil {
				return nil, fmt.Errorf("delete file %s: %w", op.Path, err)
			}
			record(&result.FilesDeleted, "Deleted: "+op.Path)

		case PatchOpUpdate:
			if err := applyUpdate(op, env); err != nil {
				return nil, err
			}
			record(&result.FilesModified, "Updated: "+op.Path)

		case PatchOpMove:
			if err := applyMove(op, env); err != nil {
				return nil, err
			}
			record(&result.FilesMoved, fmt.Sprintf("Moved: %s -> %s", op.Path, op.MoveTo))

		default:
			return nil, fmt.Errorf("unknown operation type: %s", op.Type)
		}
	}

	result.Summary = strings.Join(result.Details, "\n")
	return result, nil
}

// lineNumberPattern matches ReadFile's "   1\t" line-number prefix.
var lineNumberPattern = regexp.MustCompile(`^\s*\d+\t`)

// stripLineNumbers undoes ReadFile's numbering so hunk matching sees the real
// file content. Content with no numbering passes through untouched.
func stripLineNumbers(content string) string {
	lines := strings.Split(content, "\n")

	numbered := false
	for _, l := range lines {
		if l == "" {
			continue
		}
		numbered = lineNumberPattern.MatchString(l)
		break
	}
	if !numbered {
		return content
	}

	stripped := make([]string, len(lines))
	for i, l := range lines {
		stripped[i] = l
		if loc := lineNumberPattern.FindStringIndex(l); loc != nil {
			stripped[i] = l[loc[1]:]
		}
	}
	return strings.Join(stripped, "\n")
}

// applyUpdate reads the file, applies each hunk, writes it back.
func applyUpdate(op PatchOperation, env ExecutionEnvironment) error {
	content, err := env.ReadFile(op.Path, 0, 0)
	if err != nil {
		return fmt.Errorf("read file for update %s: %w", op.Path, err)
	}

	fileLines := strings.Split(stripLineNumbers(content), "\n")
	for _, hunk := range op.Hunks {
		fileLines = applyPatchHunk(fileLines, hunk)
	}

	if err := env.WriteFile(op.Path, strings.Join(fileLines, "\n")); err != nil {
		return fmt.Errorf("write updated file %s: %w", op.Path, err)
	}
	return nil
}

// applyMove copies content to the new path and empties the old one.
func applyMove(op PatchOperation, env ExecutionEnvironment) error {
	content, err := env.ReadFile(op.Path, 0, 0)
	if err != nil {
		return fmt.Errorf("read file for move %s: %w", op.Path, err)
	}

	if err := env.WriteFile(op.MoveTo, stripLineNumbers(content)); err != nil {
		return fmt.Errorf("write moved file %s: %w", op.MoveTo, err)
	}
	if err := env.WriteFile(op.Path, ""); err != nil {
		return fmt.Errorf("clear source file after move %s: %w", op.Path, err)
	}
	return nil
}

// applyPatchHunk swaps the hunk's match region for its replacement. An exact
// search (trailing whitespace ignored) runs first, then a fully-trimmed fuzzy
// search; if neither locates the region, the added lines land at the end of
// the file.
func applyPatchHunk(fileLines []string, hunk Hunk) []string {
	if len(hunk.MatchLines) == 0 {
		return append(fileLines, hunk.AddLines...)
	}

	matchIdx := findSequence(fileLines, hunk.MatchLines)
	if matchIdx < 0 {
		matchIdx = findSequenceFuzzy(fileLines, hunk.MatchLines)
	}
	if matchIdx < 0 {
		return append(fileLines, hunk.AddLines...)
	}

	var result []string
	result = append(result, fileLines[:matchIdx]...)
	result = append(result, hunk.ReplaceLines...)
	result = append(result, fileLines[matchIdx+len(hunk.MatchLines):]...)
	return result
}

// searchLines finds seq in fileLines, comparing lines through norm; -1 when
// absent.
func searchLines(fileLines, seq []string, norm func(string) string) int {
	if len(seq) == 0 || len(fileLines) < len(seq) {
		return -1
	}
	for i := 0; i <= len(fileLines)-len(seq); i++ {
		match := true
		for j := range seq {
			if norm(fileLines[i+j]) != norm(seq[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// findSequence compares lines with trailing whitespace stripped.
func findSequence(fileLines, seq []string) int {
	return searchLines(fileLines, seq, func(s string) string {
		return strings.TrimRight(s, " \t")
	})
}

// findSequenceFuzzy compares fully-trimmed lines, tolerating indentation
// drift between the patch and the file.
func findSequenceFuzzy(fileLines, seq []string) int {
	return searchLines(fileLines, seq, strings.TrimSpace)
}
