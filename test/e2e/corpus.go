package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Photo is one captioned file in the corpus. The file body is the caption itself, so the
// mock gateway embeds the file and the caption text to the same vector.
type Photo struct {
	RelPath string
	Caption string
}

// QueryCase is a query and the relpath id expected as its top hit.
type QueryCase struct {
	Query    string
	Expected string
}

// Corpus holds photos spread over several albums and one query per photo.
type Corpus struct {
	Photos []Photo
	Cases  []QueryCase
}

var (
	subjects = []string{
		"a golden retriever", "a tabby cat", "a red sports car", "a wooden sailboat",
		"a snow covered mountain", "a bowl of ramen", "a lighthouse", "a hot air balloon",
		"a city skyline", "a field of sunflowers",
	}
	scenes = []string{
		"at sunset", "in heavy rain", "under a starry sky", "on a foggy morning",
		"at noon", "in autumn light", "seen from above", "reflected in water",
		"in black and white", "at dusk",
	}
	albums = []string{"trips", "family", "pets", "food", "archive"}
)

// BuildCorpus returns n photos with distinct captions, round-robin over the albums.
// n is capped at len(subjects)*len(scenes).
func BuildCorpus(n int) *Corpus {
	if limit := len(subjects) * len(scenes); n > limit {
		n = limit
	}
	c := &Corpus{}
	for i := 0; i < n; i++ {
		caption := subjects[i%len(subjects)] + " " + scenes[i/len(subjects)]
		name := strings.ReplaceAll(strings.TrimPrefix(strings.TrimPrefix(caption, "a "), "an "), " ", "_")
		rel := fmt.Sprintf("%s/%03d_%s.jpg", albums[i%len(albums)], i, name)
		c.Photos = append(c.Photos, Photo{RelPath: rel, Caption: caption})
		c.Cases = append(c.Cases, QueryCase{Query: caption, Expected: rel})
	}
	return c
}

// WriteTo materializes the corpus under root.
func (c *Corpus) WriteTo(root string) error {
	for _, p := range c.Photos {
		path := filepath.Join(root, filepath.FromSlash(p.RelPath))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(p.Caption), 0644); err != nil {
			return err
		}
	}
	return nil
}
