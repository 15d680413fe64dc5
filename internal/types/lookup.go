package types

// Role is the resolved identity of a diarized speaker.
type Role string

// Speaker roles
const (
	RoleAgent    Role = "Agent"
	RoleCustomer Role = "Customer"
)

var speakerRoles = map[string]Role{
	"SPEAKER_00": RoleAgent,
	"SPEAKER_01": RoleCustomer,
}

// RoleFor maps a raw diarization label to a role. Unknown labels report false
// and callers decide whether to skip or keep the raw label.
func RoleFor(label string) (Role, bool) {
	r, ok := speakerRoles[label]
	return r, ok
}

var languageNames = map[string]string{
	"en": "english",
	"hi": "hindi",
	"ta": "tamil",
	"te": "telugu",
	"mr": "marathi",
	"bn": "bengali",
	"gu": "gujarati",
	"kn": "kannada",
	"ml": "malayalam",
	"pa": "punjabi",
	"ur": "urdu",
}

// LanguageName returns the display name for a language code.
func LanguageName(code string) (string, bool) {
	name, ok := languageNames[code]
	return name, ok
}

// NeedsTranslation reports whether transcripts in the given language are
// translated before analytics run.
func NeedsTranslation(code string) bool {
	return code != LanguageOriginal && code != "en" && code != ""
}

// IsAudio reports whether the content type is an audio format the pipeline accepts.
func IsAudio(contentType string) bool {
	switch contentType {
	case ContentTypeMP3, ContentTypeMPEG, ContentTypeWAV:
		return true
	}
	return false
}
