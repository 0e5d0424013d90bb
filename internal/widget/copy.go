package widget

import "strings"

// Copy is the user-visible fallback text. Failures always render copy, never
// raw error codes.
type Copy struct {
	GenericError    string
	NoResponse      string
	Typing          string
	CheckingSources string
}

var copyByLocale = map[string]Copy{
	"en": {
		GenericError:    "Something went wrong talking to Valki.",
		NoResponse:      "…krrzzzt… no response received.",
		Typing:          "Analyzing the signal…",
		CheckingSources: "Checking the sources…",
	},
	"nl": {
		GenericError:    "Er is iets misgegaan tijdens het praten met Valki.",
		NoResponse:      "…krrzzzt… geen antwoord ontvangen.",
		Typing:          "Het signaal wordt geanalyseerd…",
		CheckingSources: "De bronnen worden gecontroleerd…",
	},
}

// CopyForLocale resolves fallback copy for a locale tag, defaulting to
// English.
func CopyForLocale(locale string) Copy {
	tag := strings.ToLower(strings.TrimSpace(locale))
	if idx := strings.IndexAny(tag, "-_"); idx > 0 {
		tag = tag[:idx]
	}
	if c, ok := copyByLocale[tag]; ok {
		return c
	}
	return copyByLocale["en"]
}
