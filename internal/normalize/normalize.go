// Package normalize turns raw marketplace listing titles into canonical
// product identities. It is pure and deterministic: the same raw name always
// yields the same identity.
package normalize

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/gpupulse/gpupulse/internal/model"
)

// Error reports which identity field could not be derived from a raw name.
type Error struct {
	Field   string
	RawName string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot normalize %q: no %s recognized", e.RawName, e.Field)
}

type brandAlias struct {
	token     string
	canonical string
}

// brandAliases lists every recognized brand token in scan order. Korean
// vendor spellings map to the English brand. Order is fixed so names
// containing two brand tokens normalize the same way every run.
var brandAliases = []brandAlias{
	{"ASUS", "ASUS"},
	{"MSI", "MSI"},
	{"GIGABYTE", "GIGABYTE"},
	{"기가바이트", "GIGABYTE"},
	{"ZOTAC", "ZOTAC"},
	{"PALIT", "PALIT"},
	{"팔릿", "PALIT"},
	{"GALAX", "GALAX"},
	{"GAINWARD", "GAINWARD"},
	{"EMTEK", "EMTEK"},
	{"이엠텍", "EMTEK"},
	{"PNY", "PNY"},
	{"INNO3D", "INNO3D"},
	{"COLORFUL", "COLORFUL"},
	{"MANLI", "MANLI"},
	{"KFA2", "KFA2"},
	{"EVGA", "EVGA"},
	{"LEADTEK", "LEADTEK"},
}

var (
	vramRe = regexp.MustCompile(`(?i)(\d+)\s*GB`)
	ocRe   = regexp.MustCompile(`(?i)(^|[^A-Z0-9가-힣])(OC|오버클럭|OVERCLOCK)($|[^A-Z0-9가-힣])`)
	// Tokens stripped from the residual model name besides brand/chipset/vram.
	noiseRe = regexp.MustCompile(`(?i)\b(GEFORCE|NVIDIA|GDDR6X|GDDR6|GDDR7|D6X|D6)\b`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// Normalize derives the canonical identity from a raw listing name.
func Normalize(rawName string) (model.ProductIdentity, error) {
	name := strings.TrimSpace(rawName)
	if name == "" {
		return model.ProductIdentity{}, &Error{Field: "chipset", RawName: rawName}
	}

	chipset, chipsetMatch, ok := detectChipset(name)
	if !ok {
		return model.ProductIdentity{}, &Error{Field: "chipset", RawName: rawName}
	}

	brand, brandToken, ok := detectBrand(name)
	if !ok {
		return model.ProductIdentity{}, &Error{Field: "brand", RawName: rawName}
	}

	vramMatch := vramRe.FindStringSubmatch(name)
	if vramMatch == nil {
		return model.ProductIdentity{}, &Error{Field: "vram", RawName: rawName}
	}
	vram := vramMatch[1] + "GB"

	isOC := ocRe.MatchString(" " + name + " ")

	modelName := residualModelName(name, brandToken, chipsetMatch, vramMatch[0])
	if modelName == "" {
		modelName = fallbackModelName(chipset, brand, rawName)
	}

	return model.ProductIdentity{
		Brand:     brand,
		Chipset:   chipset,
		ModelName: modelName,
		VRAM:      vram,
		IsOC:      isOC,
	}, nil
}

// detectChipset matches the closed chipset set, longest variant first so a
// "Ti Super" never collapses to "Ti". Abbreviated forms without the RTX
// prefix are accepted and the prefix restored.
func detectChipset(name string) (canonical, matched string, ok bool) {
	upper := strings.ToUpper(name)
	for _, chipset := range model.Chipsets {
		full := strings.ToUpper(chipset)
		if idx := strings.Index(upper, full); idx >= 0 {
			if boundedMatch(upper, idx, len(full)) {
				return chipset, name[idx : idx+len(full)], true
			}
		}
		short := strings.TrimPrefix(full, "RTX ")
		if idx := strings.Index(upper, short); idx >= 0 {
			if boundedMatch(upper, idx, len(short)) {
				return chipset, name[idx : idx+len(short)], true
			}
		}
	}
	return "", "", false
}

// boundedMatch rejects substring hits embedded in longer tokens, e.g. the
// "4070" inside "14070" or a "Ti" run into "Titanium". The char after the
// match may not extend the variant (so "4070 Ti" is not accepted when the
// text reads "4070 Ti Super"; the longest-first loop handles that case).
func boundedMatch(upper string, idx, length int) bool {
	if idx > 0 {
		prev := upper[idx-1]
		if isAlnum(prev) {
			return false
		}
	}
	end := idx + length
	if end < len(upper) && isAlnum(upper[end]) {
		return false
	}
	return true
}

func isAlnum(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z'
}

func detectBrand(name string) (canonical, token string, ok bool) {
	upper := strings.ToUpper(name)
	for _, a := range brandAliases {
		tok := strings.ToUpper(a.token)
		idx := strings.Index(upper, tok)
		if idx < 0 {
			continue
		}
		if !boundedMatch(upper, idx, len(tok)) {
			continue
		}
		return a.canonical, name[idx : idx+len(tok)], true
	}
	return "", "", false
}

// residualModelName strips the recognized tokens and noise words, then
// collapses whitespace into hyphens.
func residualModelName(name, brandToken, chipsetMatch, vramMatch string) string {
	res := name
	for _, tok := range []string{brandToken, chipsetMatch, vramMatch} {
		if tok != "" {
			res = strings.ReplaceAll(res, tok, " ")
		}
	}
	res = noiseRe.ReplaceAllString(res, " ")
	// Korean marketing tokens sit outside \b word boundaries.
	res = strings.ReplaceAll(res, "지포스", " ")
	res = ocRe.ReplaceAllString(" "+res+" ", "${1} ${3}")
	res = strings.Map(func(r rune) rune {
		switch r {
		case '(', ')', '[', ']', ',', '/':
			return ' '
		}
		return r
	}, res)
	res = spaceRe.ReplaceAllString(strings.TrimSpace(res), "-")
	return strings.ToUpper(res)
}

// fallbackModelName guarantees a non-empty, stable model name when the raw
// title carries nothing beyond brand, chipset, and memory size.
func fallbackModelName(chipset, brand, rawName string) string {
	h := fnv.New32a()
	h.Write([]byte(rawName))
	return fmt.Sprintf("%s-%s-%08x",
		strings.ReplaceAll(strings.ToUpper(chipset), " ", "-"), brand, h.Sum32())
}
