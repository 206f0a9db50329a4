package embedding

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// CLIP special tokens and vocabulary size (openai/clip-vit-base-patch32).
const (
	clipStartToken = 49406
	clipEndToken   = 49407
	clipVocabSize  = 49408
	clipMaxTokens  = 77
)

// Tokenizer produces token ids and an attention mask for the CLIP text encoder.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask []int64)
}

// SimpleTokenizer lowercases, splits on non-alphanumerics, and hashes each word into the
// regular vocabulary range.
// TODO: load the CLIP BPE merges file so ids match the reference tokenizer.
type SimpleTokenizer struct{}

// Tokenize produces start + words + end, padded with the end token up to maxTokens.
func (t *SimpleTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask []int64) {
	if maxTokens <= 2 {
		maxTokens = clipMaxTokens
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)

	inputIDs[0] = clipStartToken
	attentionMask[0] = 1
	pos := 1
	for _, word := range SplitWords(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = wordToken(word)
		attentionMask[pos] = 1
		pos++
	}
	inputIDs[pos] = clipEndToken
	attentionMask[pos] = 1
	for i := pos + 1; i < maxTokens; i++ {
		inputIDs[i] = clipEndToken
	}
	return inputIDs, attentionMask
}

// wordToken maps a word into [256, clipStartToken); ids below 256 are byte tokens.
func wordToken(word string) int64 {
	h := fnv.New32a()
	h.Write([]byte(word))
	return 256 + int64(h.Sum32()%(clipStartToken-256))
}

// SplitWords lowercases text and splits it on anything that is not a letter or digit.
func SplitWords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil
	}
	return words
}
