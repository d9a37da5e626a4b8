// Package i18n holds the localized status and event texts shown in envelope
// details and debug logs. Tables are embedded and loaded once per locale.
package i18n

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

//go:embed langs/*.json
var langs embed.FS

// Event text keys
const (
	KeyUnknown        = "error_unknown"
	KeyLimitReached   = "limit_reached"
	KeyLimitRefreshed = "limit_refreshed"
	KeyExceptWork     = "except_work"
	KeySessClosed     = "sess_closed"
)

var requiredKeys = []string{
	KeyUnknown, KeyLimitReached, KeyLimitRefreshed, KeyExceptWork, KeySessClosed,
	"error_300", "error_400", "error_404", "error_500", "error_503",
}

// Texts is an immutable localized message table
type Texts struct {
	locale   string
	messages map[string]string
}

// Load reads the embedded table for locale ("ru" or "en")
func Load(locale string) (*Texts, error) {
	data, err := langs.ReadFile("langs/" + locale + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown locale %q: %w", locale, err)
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse locale %q: %w", locale, err)
	}

	messages := make(map[string]string, len(v.AllKeys()))
	for _, key := range v.AllKeys() {
		messages[key] = v.GetString(key)
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := messages[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("locale %q is missing keys: %s", locale, strings.Join(missing, ", "))
	}

	return &Texts{locale: locale, messages: messages}, nil
}

// MustLoad is Load for embedded locales known to be valid
func MustLoad(locale string) *Texts {
	t, err := Load(locale)
	if err != nil {
		panic(err)
	}
	return t
}

// Locale returns the table's locale
func (t *Texts) Locale() string {
	return t.locale
}

// Text returns the raw message for key, or the key itself when absent
func (t *Texts) Text(key string) string {
	if msg, ok := t.messages[key]; ok {
		return msg
	}
	return key
}

// Format returns the message for key with {0}, {1}, ... replaced by args
func (t *Texts) Format(key string, args ...any) string {
	msg := t.Text(key)
	for i, arg := range args {
		msg = strings.ReplaceAll(msg, "{"+strconv.Itoa(i)+"}", fmt.Sprint(arg))
	}
	return msg
}

// StatusMessage returns the localized detail for an exchange outcome.
// Success codes have no detail. Status -1 renders the captured error.
func (t *Texts) StatusMessage(status int, err error) string {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == -1:
		cause := ""
		if err != nil {
			cause = err.Error()
		}
		return t.Format(KeyUnknown, cause)
	case status == 300 || (status >= 400 && status < 600):
		if msg, ok := t.messages["error_"+strconv.Itoa(status)]; ok {
			return msg
		}
	}
	return t.Format(KeyUnknown, status)
}
