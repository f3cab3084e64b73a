package tools

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	codeContextMaxFiles     = 3
	codeContextCharsPerFile = 1200
)

var (
	tokenRe = regexp.MustCompile(`[a-zA-Z0-9_]{3,}`)

	contextExtensions = map[string]struct{}{
		".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".tsx": {}, ".json": {},
		".md": {}, ".toml": {}, ".yml": {}, ".yaml": {}, ".sh": {}, ".txt": {},
	}
	contextSkipDirs = map[string]struct{}{
		".git": {}, "node_modules": {}, "vendor": {}, "models": {}, "data": {},
	}
)

type contextMatch struct {
	Path    string
	Score   int
	Snippet string
}

// codeContextIndex does keyword lookup over the workspace so the code agent
// can cite real files. It rescans on every search; workspaces here are small
// and a persistent index is not worth the staleness handling.
type codeContextIndex struct {
	root string
}

func (idx *codeContextIndex) search(query string) []contextMatch {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	var ranked []contextMatch
	for _, path := range idx.files() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		content := string(data)
		lowered := strings.ToLower(content)
		score := 0
		for _, token := range tokens {
			score += strings.Count(lowered, token)
		}
		if score <= 0 {
			continue
		}
		rel, err := filepath.Rel(idx.root, path)
		if err != nil {
			rel = path
		}
		ranked = append(ranked, contextMatch{
			Path:    rel,
			Score:   score,
			Snippet: snippetAround(content, lowered, tokens),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > codeContextMaxFiles {
		ranked = ranked[:codeContextMaxFiles]
	}
	return ranked
}

func (idx *codeContextIndex) files() []string {
	var candidates []string
	_ = filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := contextSkipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := contextExtensions[strings.ToLower(filepath.Ext(path))]; ok {
			candidates = append(candidates, path)
		}
		return nil
	})
	return candidates
}

func queryTokens(query string) []string {
	parts := tokenRe.FindAllString(strings.ToLower(query), -1)
	seen := make(map[string]struct{})
	var tokens []string
	for _, part := range parts {
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		tokens = append(tokens, part)
		if len(tokens) == 8 {
			break
		}
	}
	return tokens
}

func snippetAround(content, lowered string, tokens []string) string {
	pos := -1
	for _, token := range tokens {
		if p := strings.Index(lowered, token); p >= 0 {
			pos = p
			break
		}
	}
	if pos < 0 {
		if len(content) > codeContextCharsPerFile {
			return content[:codeContextCharsPerFile]
		}
		return content
	}
	start := pos - codeContextCharsPerFile/2
	if start < 0 {
		start = 0
	}
	end := start + codeContextCharsPerFile
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}
