// Package artifacts maps sync categories onto paths under the Kodi
// userdata tree.
package artifacts

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"skinsync/models"
)

const (
	// DefaultUserdata is the userdata root on an appliance.
	DefaultUserdata = "/storage/.kodi/userdata"
	// DefaultSkin is Kodi's bundled skin.
	DefaultSkin = "skin.estuary"

	skinVariablesAddon = "script.skinvariables"
)

// Item is one file or directory belonging to a category. Rel is relative
// to the userdata root and slash separated.
type Item struct {
	Category models.Category
	Rel      string
	Dir      bool
	Local    string
	Remote   string
}

// Layout resolves items for one skin on both ends.
type Layout struct {
	LocalUserdata  string
	RemoteUserdata string
	Skin           string
}

// NewLayout validates skin and fills in default roots.
func NewLayout(localUserdata, remoteUserdata, skin string) (Layout, error) {
	if err := ValidateSkin(skin); err != nil {
		return Layout{}, err
	}
	if localUserdata == "" {
		localUserdata = DefaultUserdata
	}
	if remoteUserdata == "" {
		remoteUserdata = DefaultUserdata
	}
	return Layout{
		LocalUserdata:  filepath.Clean(localUserdata),
		RemoteUserdata: path.Clean(remoteUserdata),
		Skin:           skin,
	}, nil
}

// ValidateSkin rejects names that would escape addon_data.
func ValidateSkin(skin string) error {
	if strings.TrimSpace(skin) == "" {
		return errors.New("skin name is empty")
	}
	if strings.ContainsAny(skin, `/\`) || skin == "." || skin == ".." {
		return errors.Newf("invalid skin name %q", skin)
	}
	return nil
}

type entry struct {
	rel string
	dir bool
}

// Items returns the entries of category c.
func (l Layout) Items(c models.Category) []Item {
	var rels []entry
	switch c {
	case models.CategorySettings:
		rels = []entry{{"addon_data/" + l.Skin, true}}
	case models.CategoryWidgets:
		rels = []entry{
			{"addon_data/" + skinVariablesAddon + "/nodes/" + l.Skin, true},
			{"addon_data/" + skinVariablesAddon + "/" + l.Skin + "-widgets.json", false},
		}
	case models.CategoryKeymaps:
		rels = []entry{{"keymaps", true}}
	}

	items := make([]Item, 0, len(rels))
	for _, r := range rels {
		items = append(items, Item{
			Category: c,
			Rel:      r.rel,
			Dir:      r.dir,
			Local:    filepath.Join(l.LocalUserdata, filepath.FromSlash(r.rel)),
			Remote:   path.Join(l.RemoteUserdata, r.rel),
		})
	}
	return items
}

// ItemsFor returns the entries of every selected category in transfer
// order.
func (l Layout) ItemsFor(sel models.Selection) []Item {
	var items []Item
	for _, c := range sel.Categories() {
		items = append(items, l.Items(c)...)
	}
	return items
}

// RemoteDir is the directory that must exist on the remote end before
// item is copied.
func (it Item) RemoteDir() string {
	if it.Dir {
		return it.Remote
	}
	return path.Dir(it.Remote)
}

// LocalDir is the local counterpart of RemoteDir.
func (it Item) LocalDir() string {
	if it.Dir {
		return it.Local
	}
	return filepath.Dir(it.Local)
}
