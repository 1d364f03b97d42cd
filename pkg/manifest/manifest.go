package manifest

import (
	"fmt"
	"net/http"

	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
)

// IconSizes are the pixel sizes of the application icon set.
var IconSizes = []int{72, 96, 128, 144, 152, 167, 180, 192, 384, 512}

// List is the ordered set of resources that must be precached for a version.
// Entries are paths relative to the application root.
type List []string

// Default returns the precache set of the application shell.
func Default() List {
	list := List{
		"./",
		"index.html",
		"styles.css",
		"app.js",
		"manifest.json",
		"gong1.mp3",
	}
	for _, size := range IconSizes {
		list = append(list, fmt.Sprintf("icons/icon-%d.png", size))
	}
	return list
}

// Keys resolves the list into cache keys, dropping duplicates.
// An entry that cannot be resolved is an error.
func (l List) Keys() ([]cachekey.Key, error) {
	keys := make([]cachekey.Key, 0, len(l))
	seen := make(map[cachekey.Key]struct{}, len(l))
	for _, entry := range l {
		key, err := cachekey.Resolve(http.MethodGet, entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}
