package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// FingerprintDraft считает отпечаток одобряемого черновика: текст плюс
// отсортированный список медиа. Порядок URL не влияет на результат.
func FingerprintDraft(text string, mediaURLs []string) string {
	sorted := make([]string, len(mediaURLs))
	copy(sorted, mediaURLs)
	sort.Strings(sorted)
	content := strings.TrimSpace(text) + "\n" + strings.Join(sorted, "\n")
	return hashContent(content)
}

// FingerprintText считает отпечаток голого текста. Нормализация совпадает
// с FingerprintDraft, поэтому отпечаток живого поста без медиа сравним с
// отпечатком черновика без медиа.
func FingerprintText(text string) string {
	return hashContent(strings.TrimSpace(text))
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}
