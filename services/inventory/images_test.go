package inventory_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metalhub/pkg/errs"
	"metalhub/services/inventory"
	"metalhub/services/inventory/inventorytest"
)

func fedoraISO() inventory.Image {
	return inventory.Image{
		ID:      3,
		Version: "36",
		BaseOS:  "Fedora",
		Arch:    "x86_64",
		Boot:    inventory.BootModes{Legacy: true, UEFI: true},
		Type:    inventory.ArtifactISO,
		ISO: &inventory.ISOArtifact{
			URL:           "https://mirror.lab/Fedora-36.iso",
			Checksum:      "sha256:abc",
			KernelPath:    "images/pxeboot/vmlinuz",
			InitramfsPath: "images/pxeboot/initrd.img",
			Stage2Path:    "LiveOS/squashfs.img",
		},
	}
}

func rockyQCOW2() inventory.Image {
	return inventory.Image{
		ID:      4,
		Version: "9.2",
		BaseOS:  "Rocky",
		Arch:    "x86_64",
		Boot:    inventory.BootModes{UEFI: true, SecureBoot: true},
		Type:    inventory.ArtifactQCOW2,
		QCOW2: &inventory.QCOW2Artifact{
			URL:          "https://mirror.lab/rocky/Rocky-9.2.qcow2?sig=1",
			Checksum:     "sha256:def",
			KernelURL:    "https://mirror.lab/rocky/vmlinuz",
			InitramfsURL: "https://mirror.lab/rocky/initrd.img",
		},
	}
}

func TestResolveBootType(t *testing.T) {
	all := inventory.BootModes{Legacy: true, UEFI: true, SecureBoot: true}
	tests := []struct {
		name  string
		host  inventory.BootModes
		image inventory.BootModes
		want  inventory.BootType
		ok    bool
	}{
		{name: "secure boot excluded by image", host: all, image: inventory.BootModes{Legacy: true, UEFI: true}, want: inventory.BootUEFI, ok: true},
		{name: "secure boot shared", host: all, image: all, want: inventory.BootUEFISecureBoot, ok: true},
		{name: "legacy only", host: inventory.BootModes{Legacy: true}, image: all, want: inventory.BootLegacy, ok: true},
		{name: "no overlap", host: inventory.BootModes{Legacy: true}, image: inventory.BootModes{UEFI: true}, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := inventory.ResolveBootType(inventory.Image{Boot: tt.image}, inventory.Host{Boot: tt.host})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDirName(t *testing.T) {
	assert.Equal(t, "Fedora-36-x86_64-iso-UEFI", inventory.DirName(fedoraISO(), inventory.BootUEFI))
	assert.Equal(t, "Rocky-9.2-x86_64-qcow2-UEFI_SECURE_BOOT", inventory.DirName(rockyQCOW2(), inventory.BootUEFISecureBoot))
}

func TestStagedPaths(t *testing.T) {
	iso, err := inventory.StagedPaths(fedoraISO(), inventory.BootUEFI)
	require.NoError(t, err)
	assert.Equal(t, inventory.Staged{
		Kernel:    "Fedora-36-x86_64-iso-UEFI/images/pxeboot/vmlinuz",
		Initramfs: "Fedora-36-x86_64-iso-UEFI/images/pxeboot/initrd.img",
		Source:    "Fedora-36-x86_64-iso-UEFI",
		Stage2:    "Fedora-36-x86_64-iso-UEFI/LiveOS/squashfs.img",
	}, iso)

	qcow, err := inventory.StagedPaths(rockyQCOW2(), inventory.BootUEFI)
	require.NoError(t, err)
	assert.Equal(t, inventory.Staged{
		Kernel:    "Rocky-9.2-x86_64-qcow2-UEFI/vmlinuz",
		Initramfs: "Rocky-9.2-x86_64-qcow2-UEFI/initrd.img",
		Source:    "Rocky-9.2-x86_64-qcow2-UEFI/Rocky-9.2.qcow2",
	}, qcow)

	broken := fedoraISO()
	broken.ISO = nil
	_, err = inventory.StagedPaths(broken, inventory.BootUEFI)
	assert.ErrorIs(t, err, errs.ErrInvariant)
}

func TestRenderPlaybookVariables(t *testing.T) {
	vars, err := inventory.RenderPlaybookVariables(fedoraISO(), inventory.BootLegacy, &inventory.KickstartFile{Path: "/tmp/ks/00000012.ks", Name: "00000012.ks"})
	require.NoError(t, err)
	assert.Equal(t, "Fedora-36-x86_64-iso-LEGACY", vars["image_dir"])
	assert.Equal(t, "iso", vars["image_type"])
	assert.Equal(t, "LEGACY", vars["boot_type"])
	assert.Equal(t, "https://mirror.lab/Fedora-36.iso", vars["image_url"])
	assert.Equal(t, "Fedora-36-x86_64-iso-LEGACY/LiveOS/squashfs.img", vars["stage2_path"])
	assert.Equal(t, "/tmp/ks/00000012.ks", vars["kickstart_file"])
	assert.Equal(t, "00000012.ks", vars["kickstart_name"])

	vars, err = inventory.RenderPlaybookVariables(fedoraISO(), inventory.BootLegacy, nil)
	require.NoError(t, err)
	assert.NotContains(t, vars, "kickstart_file")

	vars, err = inventory.RenderPlaybookVariables(rockyQCOW2(), inventory.BootUEFI, &inventory.KickstartFile{Path: "/ignored"})
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.lab/rocky/vmlinuz", vars["kernel_url"])
	assert.Equal(t, "sha256:def", vars["image_checksum"])
	assert.NotContains(t, vars, "kickstart_file")
	assert.NotContains(t, vars, "stage2_path")
}

func TestCatalogCreate(t *testing.T) {
	catalog, err := inventory.NewCatalog(inventorytest.NewStore(), zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	img, err := catalog.Create(ctx, fedoraISO())
	require.NoError(t, err)
	assert.NotZero(t, img.ID)

	_, err = catalog.Create(ctx, fedoraISO())
	assert.ErrorIs(t, err, errs.ErrConflict)

	mixed := rockyQCOW2()
	mixed.ISO = fedoraISO().ISO
	_, err = catalog.Create(ctx, mixed)
	assert.ErrorIs(t, err, errs.ErrValidation)

	noBoot := rockyQCOW2()
	noBoot.Boot = inventory.BootModes{}
	_, err = catalog.Create(ctx, noBoot)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
