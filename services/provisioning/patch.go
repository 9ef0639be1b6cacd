package provisioning

import (
	"fmt"
	"path"
	"strings"

	"metalhub/pkg/errs"
	"metalhub/pkg/ironic"
	"metalhub/services/inventory"
)

// NodePatch builds the node update that points the backend at the staged
// artifacts of p. ISO provisions deploy through the installer with the
// published kickstart; QCOW2 provisions write the disk image directly.
func NodePatch(p Provision, img inventory.Image, endpoint inventory.IronicEndpoint) ([]ironic.PatchOp, error) {
	paths, err := inventory.StagedPaths(img, p.BootType)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(endpoint.ImageServerURL, "/")
	served := func(rel string) string { return base + "/" + rel }

	var ops []ironic.PatchOp
	switch p.Type {
	case inventory.ArtifactISO:
		ops = []ironic.PatchOp{
			ironic.Replace("/deploy_interface", "anaconda"),
			ironic.Add("/instance_info/kernel", served(paths.Kernel)),
			ironic.Add("/instance_info/ramdisk", served(paths.Initramfs)),
			ironic.Add("/instance_info/stage2", served(paths.Stage2)),
			ironic.Add("/instance_info/image_source", served(paths.Source)),
			ironic.Add("/instance_info/ks_template", served(path.Join(KickstartDir, KickstartName(p.ID)))),
			ironic.Add("/instance_info/root_gb", p.RootGB),
		}
	case inventory.ArtifactQCOW2:
		ops = []ironic.PatchOp{
			ironic.Replace("/deploy_interface", "direct"),
			ironic.Add("/instance_info/image_source", served(paths.Source)),
			ironic.Add("/instance_info/image_checksum", img.QCOW2.Checksum),
			ironic.Add("/instance_info/kernel", served(paths.Kernel)),
			ironic.Add("/instance_info/ramdisk", served(paths.Initramfs)),
			ironic.Add("/instance_info/root_gb", p.RootGB),
		}
	default:
		return nil, fmt.Errorf("provision %d artifact type %q: %w", p.ID, p.Type, errs.ErrInvariant)
	}

	if p.BootType == inventory.BootUEFISecureBoot {
		ops = append(ops, ironic.Add("/instance_info/capabilities", map[string]string{"secure_boot": "true"}))
	}
	return ops, nil
}
