package artifacts

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// GUISettingsFile holds the active skin among Kodi's GUI settings.
const GUISettingsFile = "guisettings.xml"

type guiSettings struct {
	Settings []struct {
		ID    string `xml:"id,attr"`
		Value string `xml:",chardata"`
	} `xml:"setting"`
	LookAndFeel struct {
		Skin string `xml:"skin"`
	} `xml:"lookandfeel"`
}

// DetectSkin reads lookandfeel.skin from userdata/guisettings.xml. Both
// the flat v2 format and the older nested format are understood.
func DetectSkin(userdata string) (string, error) {
	file := filepath.Join(userdata, GUISettingsFile)
	raw, err := os.ReadFile(file)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", file)
	}

	var doc guiSettings
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return "", errors.Wrapf(err, "parse %s", file)
	}
	for _, s := range doc.Settings {
		if s.ID == "lookandfeel.skin" {
			if skin := strings.TrimSpace(s.Value); skin != "" {
				return skin, nil
			}
		}
	}
	if skin := strings.TrimSpace(doc.LookAndFeel.Skin); skin != "" {
		return skin, nil
	}
	return DefaultSkin, nil
}

// ResolveSkin prefers configured, then the detected skin. A host without
// guisettings.xml runs the default skin.
func ResolveSkin(configured, userdata string) (string, error) {
	if skin := strings.TrimSpace(configured); skin != "" {
		return skin, ValidateSkin(skin)
	}
	if _, err := os.Stat(filepath.Join(userdata, GUISettingsFile)); os.IsNotExist(err) {
		return DefaultSkin, nil
	}
	skin, err := DetectSkin(userdata)
	if err != nil {
		return "", err
	}
	return skin, ValidateSkin(skin)
}
