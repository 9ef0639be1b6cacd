package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"metalhub/pkg/errs"
)

// Catalog is the image catalog.
type Catalog struct {
	store  Store
	logger zerolog.Logger
}

// NewCatalog returns a catalog over store.
func NewCatalog(store Store, logger zerolog.Logger) (*Catalog, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Catalog{store: store, logger: logger.With().Str("component", "images").Logger()}, nil
}

// Create validates and stores an image definition.
func (c *Catalog) Create(ctx context.Context, img Image) (Image, error) {
	if err := validateImage(img); err != nil {
		return Image{}, err
	}
	img.ID = 0
	if err := c.store.CreateImage(ctx, &img); err != nil {
		return Image{}, err
	}
	c.logger.Info().Int64("image_id", img.ID).Str("dir", DirName(img, PreferredBootType(img.Boot))).Msg("image created")
	return img, nil
}

// Get loads an image by id.
func (c *Catalog) Get(ctx context.Context, id int64) (Image, error) {
	return c.store.GetImage(ctx, id)
}

func validateImage(img Image) error {
	var problems []string
	for _, f := range []struct{ name, value string }{
		{"version", img.Version},
		{"base_os", img.BaseOS},
		{"arch", img.Arch},
	} {
		if strings.TrimSpace(f.value) == "" {
			problems = append(problems, f.name+" is required")
		}
	}
	if !img.Boot.any() {
		problems = append(problems, "at least one boot mode is required")
	}
	absolute := func(field, raw string) {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, field+" must be an absolute URL")
		}
	}
	switch img.Type {
	case ArtifactISO:
		if img.QCOW2 != nil {
			problems = append(problems, "qcow2 block is not allowed on ISO images")
		}
		if img.ISO == nil {
			problems = append(problems, "iso block is required for ISO images")
			break
		}
		absolute("iso.url", img.ISO.URL)
		if img.ISO.KernelPath == "" || img.ISO.InitramfsPath == "" || img.ISO.Stage2Path == "" {
			problems = append(problems, "iso kernel_path, initramfs_path and stage2_path are required")
		}
	case ArtifactQCOW2:
		if img.ISO != nil {
			problems = append(problems, "iso block is not allowed on QCOW2 images")
		}
		if img.QCOW2 == nil {
			problems = append(problems, "qcow2 block is required for QCOW2 images")
			break
		}
		absolute("qcow2.url", img.QCOW2.URL)
		absolute("qcow2.kernel_url", img.QCOW2.KernelURL)
		absolute("qcow2.initramfs_url", img.QCOW2.InitramfsURL)
		if img.QCOW2.Checksum == "" {
			problems = append(problems, "qcow2.checksum is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported artifact type %q", img.Type))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ResolveBootType picks the strongest boot mode both sides support, secure
// boot over UEFI over legacy. ok is false when they share none.
func ResolveBootType(img Image, h Host) (BootType, bool) {
	shared := BootModes{
		Legacy:     img.Boot.Legacy && h.Boot.Legacy,
		UEFI:       img.Boot.UEFI && h.Boot.UEFI,
		SecureBoot: img.Boot.SecureBoot && h.Boot.SecureBoot,
	}
	bt := PreferredBootType(shared)
	return bt, bt != ""
}

// PreferredBootType returns the strongest mode in b, or "" if none.
func PreferredBootType(b BootModes) BootType {
	switch {
	case b.SecureBoot:
		return BootUEFISecureBoot
	case b.UEFI:
		return BootUEFI
	case b.Legacy:
		return BootLegacy
	default:
		return ""
	}
}

// DirName is the staging directory of img for bootType, e.g.
// "Fedora-36-x86_64-iso-UEFI".
func DirName(img Image, bootType BootType) string {
	return strings.Join([]string{
		img.BaseOS,
		img.Version,
		img.Arch,
		strings.ToLower(string(img.Type)),
		string(bootType),
	}, "-")
}

// StagedPaths derives where the staging playbook puts each artifact, relative
// to the handler's image root.
func StagedPaths(img Image, bootType BootType) (Staged, error) {
	dir := DirName(img, bootType)
	switch img.Type {
	case ArtifactISO:
		if img.ISO == nil {
			return Staged{}, fmt.Errorf("image %d: ISO without iso block: %w", img.ID, errs.ErrInvariant)
		}
		return Staged{
			Kernel:    path.Join(dir, img.ISO.KernelPath),
			Initramfs: path.Join(dir, img.ISO.InitramfsPath),
			Source:    dir,
			Stage2:    path.Join(dir, img.ISO.Stage2Path),
		}, nil
	case ArtifactQCOW2:
		if img.QCOW2 == nil {
			return Staged{}, fmt.Errorf("image %d: QCOW2 without qcow2 block: %w", img.ID, errs.ErrInvariant)
		}
		return Staged{
			Kernel:    path.Join(dir, urlBase(img.QCOW2.KernelURL)),
			Initramfs: path.Join(dir, urlBase(img.QCOW2.InitramfsURL)),
			Source:    path.Join(dir, urlBase(img.QCOW2.URL)),
		}, nil
	default:
		return Staged{}, fmt.Errorf("image %d: artifact type %q: %w", img.ID, img.Type, errs.ErrInvariant)
	}
}

func urlBase(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

// RenderPlaybookVariables builds the string variables for the staging
// playbook. For ISO images a non-nil ks adds the kickstart file to stage.
func RenderPlaybookVariables(img Image, bootType BootType, ks *KickstartFile) (map[string]string, error) {
	paths, err := StagedPaths(img, bootType)
	if err != nil {
		return nil, err
	}

	vars := map[string]string{
		"image_dir":      DirName(img, bootType),
		"image_type":     strings.ToLower(string(img.Type)),
		"image_base_os":  img.BaseOS,
		"image_version":  img.Version,
		"image_arch":     img.Arch,
		"boot_type":      string(bootType),
		"kernel_path":    paths.Kernel,
		"initramfs_path": paths.Initramfs,
		"source_path":    paths.Source,
	}

	switch img.Type {
	case ArtifactISO:
		vars["image_url"] = img.ISO.URL
		vars["image_checksum"] = img.ISO.Checksum
		vars["stage2_path"] = paths.Stage2
		if ks != nil {
			vars["kickstart_file"] = ks.Path
			vars["kickstart_name"] = ks.Name
		}
	case ArtifactQCOW2:
		vars["image_url"] = img.QCOW2.URL
		vars["image_checksum"] = img.QCOW2.Checksum
		vars["kernel_url"] = img.QCOW2.KernelURL
		vars["initramfs_url"] = img.QCOW2.InitramfsURL
	}
	return vars, nil
}
