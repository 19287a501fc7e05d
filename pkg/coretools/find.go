package coretools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/pmezard/go-difflib/difflib"
)

const (
	maxSearchFileSize = 1_000_000
	maxSearchResults  = 50
	snippetWidth      = 100

	fuzzyVocabularyLimit = 5000
	fuzzySampleLines     = 200
	fuzzyMaxMatches      = 12
	fuzzyCutoff          = 0.78
)

var ignoredSearchDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
}

const findReferencesDescription = "Locate lines containing an exact keyword or phrase (case insensitive) under a directory. " +
	"When nothing matches exactly, lines containing close matches are returned instead. Output lines are path:line: snippet."

var searchToken = regexp.MustCompile(`[A-Za-z0-9_./-]{3,}`)

// reference is one matching line
type reference struct {
	path    string
	line    int
	snippet string
}

func findReferencesTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "find_references",
		Description: findReferencesDescription,
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "dir_path", Type: "string", Description: "Root directory to search", Required: true},
			{Name: "query", Type: "string", Description: "Exact keyword or phrase to find", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := resolvePath(workingDir(ctx, opts), params["dir_path"])
			if err != nil {
				return nil, err
			}
			query, _ := params["query"].(string)
			if strings.TrimSpace(query) == "" {
				return nil, fmt.Errorf("query is required")
			}
			return FindReferences(ctx, root, query)
		},
	}
}

// FindReferences searches the text files under root for query. Exact,
// case insensitive matches win; without any, lines holding tokens close to
// query are reported.
func FindReferences(ctx context.Context, root, query string) (string, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("Not a directory: %s", root), nil
	}

	files, err := collectTextFiles(ctx, root)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "No readable text files found", nil
	}

	results := searchExact(files, query)
	if len(results) == 0 {
		results = searchFuzzy(files, query)
	}
	if len(results) == 0 {
		return fmt.Sprintf("No matches for: %s", query), nil
	}

	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = fmt.Sprintf("%s:%d: %s", r.path, r.line, r.snippet)
	}
	return strings.Join(lines, "\n"), nil
}

func collectTextFiles(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && ignoredSearchDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxSearchFileSize {
			return nil
		}
		if isTextFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// isTextFile reports whether the head of path decodes as UTF-8 without NULs
func isTextFile(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	buf := make([]byte, 1024)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false
	}
	buf = buf[:n]
	if strings.IndexByte(string(buf), 0) >= 0 {
		return false
	}
	// the read may end inside a multibyte rune
	for i := 0; i < utf8.UTFMax-1 && len(buf) > 0 && !utf8.Valid(buf); i++ {
		buf = buf[:len(buf)-1]
	}
	return utf8.Valid(buf)
}

// scanLines calls fn for every line of path until fn returns false
func scanLines(path string, fn func(n int, line string) bool) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxSearchFileSize+1)
	n := 0
	for scanner.Scan() {
		n++
		if !fn(n, scanner.Text()) {
			return
		}
	}
}

func searchExact(files []string, query string) []reference {
	needle := lowerRunes(query)
	var results []reference

	for _, path := range files {
		scanLines(path, func(n int, line string) bool {
			runes := []rune(line)
			if pos := runeIndex(lowerRunes(line), needle); pos >= 0 {
				results = append(results, reference{path: path, line: n, snippet: trimSnippet(runes, pos, len(needle))})
			}
			return len(results) < maxSearchResults
		})
		if len(results) >= maxSearchResults {
			break
		}
	}
	return results
}

func searchFuzzy(files []string, query string) []reference {
	vocab := sampleVocabulary(files)
	similar := closeMatches(strings.ToLower(query), vocab, fuzzyMaxMatches, fuzzyCutoff)
	if len(similar) == 0 {
		return nil
	}

	sort.Slice(similar, func(i, j int) bool { return len(similar[i]) > len(similar[j]) })
	quoted := make([]string, len(similar))
	for i, token := range similar {
		quoted[i] = regexp.QuoteMeta(token)
	}
	pattern := regexp.MustCompile("(?i)" + strings.Join(quoted, "|"))

	var results []reference
	for _, path := range files {
		scanLines(path, func(n int, line string) bool {
			loc := pattern.FindStringIndex(line)
			if loc != nil {
				start := utf8.RuneCountInString(line[:loc[0]])
				length := utf8.RuneCountInString(line[loc[0]:loc[1]])
				results = append(results, reference{path: path, line: n, snippet: trimSnippet([]rune(line), start, length)})
			}
			return len(results) < maxSearchResults
		})
		if len(results) >= maxSearchResults {
			break
		}
	}
	return results
}

// sampleVocabulary collects distinct lowercased tokens from the head of each file
func sampleVocabulary(files []string) []string {
	seen := make(map[string]bool)
	var vocab []string

	for _, path := range files {
		scanLines(path, func(n int, line string) bool {
			if n > fuzzySampleLines {
				return false
			}
			for _, token := range searchToken.FindAllString(line, -1) {
				token = strings.ToLower(token)
				if seen[token] {
					continue
				}
				seen[token] = true
				vocab = append(vocab, token)
				if len(vocab) >= fuzzyVocabularyLimit {
					return false
				}
			}
			return true
		})
		if len(vocab) >= fuzzyVocabularyLimit {
			break
		}
	}
	return vocab
}

// closeMatches returns up to n candidates whose similarity ratio with word
// is at least cutoff, best first
func closeMatches(word string, candidates []string, n int, cutoff float64) []string {
	type scored struct {
		token string
		score float64
	}

	matcher := difflib.NewMatcher(nil, chars(word))
	var hits []scored
	for _, candidate := range candidates {
		matcher.SetSeq1(chars(candidate))
		if matcher.RealQuickRatio() >= cutoff && matcher.QuickRatio() >= cutoff {
			if score := matcher.Ratio(); score >= cutoff {
				hits = append(hits, scored{token: candidate, score: score})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > n {
		hits = hits[:n]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.token
	}
	return out
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func lowerRunes(s string) []rune {
	runes := []rune(s)
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}

func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, r := range needle {
			if haystack[i+j] != r {
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

// trimSnippet centers a snippetWidth window on the match and collapses whitespace
func trimSnippet(line []rune, start, length int) string {
	half := (snippetWidth - length) / 2
	if half < 0 {
		half = 0
	}
	from := start - half
	if from < 0 {
		from = 0
	}
	to := start + length + half
	if to > len(line) {
		to = len(line)
	}
	return strings.Join(strings.Fields(string(line[from:to])), " ")
}
