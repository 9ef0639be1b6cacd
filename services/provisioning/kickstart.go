package provisioning

import (
	"fmt"
	"strings"

	"metalhub/services/inventory"
)

// DefaultKickstart is the embedded template used when an ISO request brings
// none.
const DefaultKickstart = "kickstart/default.ks"

// KickstartDir is where the staging playbook publishes kickstarts, relative
// to the handler's image root.
const KickstartDir = "kickstarts"

// KickstartName is the published file name of a provision's kickstart.
func KickstartName(id int64) string {
	return fmt.Sprintf("%08d.ks", id)
}

// ironicHeartbeat reports installer progress to the backend. The {{ }} in
// the output are left for the backend's own template pass.
func ironicHeartbeat(status, message string) string {
	return "/usr/bin/curl -X PUT -H 'Content-Type: application/json' -H 'Accept: application/json' " +
		"-H 'X-OpenStack-Ironic-API-Version: 1.72' " +
		`-d '{"callback_url": "", "agent_token": "{{ ks_options['agent_token'] }}", ` +
		`"agent_status": "` + status + `", "agent_status_message": "` + message + `"}' ` +
		"{{ ks_options['heartbeat_url'] }}"
}

const ironicLiveimg = `{% if 'liveimg_url' in ks_options %}
liveimg --url {{ ks_options['liveimg_url'] }}
{% else %}
url --url {{ ks_options['repo_url'] }}
{% endif %}`

func (e *Engine) debugScriptURL(id int64) string {
	return fmt.Sprintf("%s/v1/provisions/%d/kickstart/debug_script", e.apiBaseURL, id)
}

func (e *Engine) logsUploadURL(id int64) string {
	return fmt.Sprintf("%s/v1/provisions/%d/logs", e.apiBaseURL, id)
}

// kickstartData is the data a stored kickstart template renders with.
func (e *Engine) kickstartData(id int64, host inventory.Host) map[string]any {
	onerror := strings.Join([]string{
		"%onerror",
		fmt.Sprintf("/usr/bin/curl -fsS -o /tmp/metalhub-debug.sh %s && /bin/sh /tmp/metalhub-debug.sh", e.debugScriptURL(id)),
		ironicHeartbeat("error", "Deployment failed."),
		"%end",
	}, "\n")

	return map[string]any{
		"hostname": host.Name,
		"resource_hub": map[string]string{
			"liveimg": ironicLiveimg,
			"pre":     "%pre\n" + ironicHeartbeat("start", "Deployment starting. Running pre-installation scripts.") + "\n%end",
			"post":    "%post --log=/var/log/anaconda/post-install.log\n" + ironicHeartbeat("end", "Deployment completed successfully.") + "\n%end",
			"onerror": onerror,
		},
	}
}

func (e *Engine) renderKickstart(p Provision, host inventory.Host) (string, error) {
	return e.templates.RenderString(KickstartName(p.ID), p.Kickstart, e.kickstartData(p.ID, host))
}
