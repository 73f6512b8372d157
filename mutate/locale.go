package mutate

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mjl-/selfmail/selfmail-"
)

// Texts shown to users. Translations are registered in init.
const (
	textOverQuota       = "account is over quota"
	textNonExistent     = "mailbox does not exist"
	textTryCreate       = "destination mailbox does not exist"
	textUnavailable     = "account is busy, try again later"
	textServerBug       = "internal error"
	textAuthorization   = "not authorized for account"
	textLimit           = "too many messages, at most %d per operation"
	textSameMailbox     = "cannot move messages to the mailbox they are in"
	textParse           = "message could not be parsed"
	textProgress        = "operation still in progress"
	textAccountDisabled = "account is disabled"
)

var supported = language.NewMatcher([]language.Tag{language.English, language.German})

func init() {
	for k, v := range map[string]string{
		textOverQuota:       "Konto hat das Speicherlimit überschritten",
		textNonExistent:     "Postfach existiert nicht",
		textTryCreate:       "Zielpostfach existiert nicht",
		textUnavailable:     "Konto ist beschäftigt, bitte später erneut versuchen",
		textServerBug:       "interner Fehler",
		textAuthorization:   "keine Berechtigung für das Konto",
		textLimit:           "zu viele Nachrichten, höchstens %d pro Vorgang",
		textSameMailbox:     "Nachrichten können nicht in ihr eigenes Postfach verschoben werden",
		textParse:           "Nachricht konnte nicht verarbeitet werden",
		textProgress:        "Vorgang läuft noch",
		textAccountDisabled: "Konto ist deaktiviert",
	} {
		message.SetString(language.German, k, v)
	}
}

// printer returns a printer for locale, e.g. "de" or "en-US". Unknown and
// empty locales get English.
func printer(locale string) *message.Printer {
	tag := language.English
	if locale != "" {
		if t, err := language.Parse(locale); err == nil {
			_, i, _ := supported.Match(t)
			tag = []language.Tag{language.English, language.German}[i]
		}
	}
	return message.NewPrinter(tag)
}

// sessionLocale returns the locale of the session, or of the account
// configuration.
func sessionLocale(s Session) string {
	if s.Locale != "" {
		return s.Locale
	}
	conf, _ := selfmail.Conf.Account(s.Account)
	return conf.Locale
}
