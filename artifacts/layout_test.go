package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skinsync/models"
)

func TestItemsPerCategory(t *testing.T) {
	layout, err := NewLayout("/home/me/.kodi/userdata", "", "skin.arctic.fuse")
	require.NoError(t, err)

	settings := layout.Items(models.CategorySettings)
	require.Len(t, settings, 1)
	assert.Equal(t, "/storage/.kodi/userdata/addon_data/skin.arctic.fuse", settings[0].Remote)
	assert.Equal(t, "/home/me/.kodi/userdata/addon_data/skin.arctic.fuse", settings[0].Local)
	assert.True(t, settings[0].Dir)

	widgets := layout.Items(models.CategoryWidgets)
	require.Len(t, widgets, 2)
	assert.Equal(t, "/storage/.kodi/userdata/addon_data/script.skinvariables/nodes/skin.arctic.fuse", widgets[0].Remote)
	assert.Equal(t, "/storage/.kodi/userdata/addon_data/script.skinvariables/skin.arctic.fuse-widgets.json", widgets[1].Remote)
	assert.False(t, widgets[1].Dir)
	assert.Equal(t, "/storage/.kodi/userdata/addon_data/script.skinvariables", widgets[1].RemoteDir())

	keymaps := layout.Items(models.CategoryKeymaps)
	require.Len(t, keymaps, 1)
	assert.Equal(t, "/storage/.kodi/userdata/keymaps", keymaps[0].RemoteDir())
}

func TestItemsForFollowsTransferOrder(t *testing.T) {
	layout, err := NewLayout("", "", DefaultSkin)
	require.NoError(t, err)

	items := layout.ItemsFor(models.NewSelection(models.CategoryKeymaps, models.CategorySettings))
	require.Len(t, items, 2)
	assert.Equal(t, models.CategorySettings, items[0].Category)
	assert.Equal(t, models.CategoryKeymaps, items[1].Category)
}

func TestValidateSkin(t *testing.T) {
	assert.NoError(t, ValidateSkin("skin.estuary"))
	for _, bad := range []string{"", " ", "..", "../etc", `a\b`} {
		assert.Error(t, ValidateSkin(bad), bad)
	}
	_, err := NewLayout("", "", "../x")
	assert.Error(t, err)
}

func TestDetectSkin(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, GUISettingsFile), []byte(`<settings version="2">
    <setting id="lookandfeel.font">Default</setting>
    <setting id="lookandfeel.skin">skin.arctic.zephyr.mod</setting>
</settings>`), 0o644))
	skin, err := DetectSkin(dir)
	require.NoError(t, err)
	assert.Equal(t, "skin.arctic.zephyr.mod", skin)

	require.NoError(t, os.WriteFile(filepath.Join(dir, GUISettingsFile), []byte(`<settings>
    <lookandfeel><skin>skin.confluence</skin></lookandfeel>
</settings>`), 0o644))
	skin, err = DetectSkin(dir)
	require.NoError(t, err)
	assert.Equal(t, "skin.confluence", skin)

	require.NoError(t, os.WriteFile(filepath.Join(dir, GUISettingsFile), []byte(`<settings version="2"/>`), 0o644))
	skin, err = DetectSkin(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultSkin, skin)
}

func TestResolveSkin(t *testing.T) {
	skin, err := ResolveSkin("skin.nimbus", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "skin.nimbus", skin)

	skin, err = ResolveSkin("", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultSkin, skin)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, GUISettingsFile), []byte("<settings"), 0o644))
	_, err = ResolveSkin("", dir)
	assert.Error(t, err)
}
