package runspec

import (
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// ComposeFile models the advisory docker-compose.yml written into archives.
type ComposeFile struct {
	Services map[string]ComposeService       `yaml:"services"`
	Volumes  map[string]ComposeVolume        `yaml:"volumes,omitempty"`
	Networks map[string]ComposeNetworkTopLvl `yaml:"networks,omitempty"`
}

// ComposeService represents one service definition.
type ComposeService struct {
	Image         string                    `yaml:"image,omitempty"`
	ContainerName string                    `yaml:"container_name,omitempty"`
	Entrypoint    []string                  `yaml:"entrypoint,omitempty"`
	Command       []string                  `yaml:"command,omitempty"`
	Environment   []string                  `yaml:"environment,omitempty"`
	Ports         []string                  `yaml:"ports,omitempty"`
	Volumes       []string                  `yaml:"volumes,omitempty"`
	Networks      map[string]ComposeNetwork `yaml:"networks,omitempty"`
	Restart       string                    `yaml:"restart,omitempty"`
	Privileged    bool                      `yaml:"privileged,omitempty"`
	CapAdd        []string                  `yaml:"cap_add,omitempty"`
	CapDrop       []string                  `yaml:"cap_drop,omitempty"`
	User          string                    `yaml:"user,omitempty"`
	WorkingDir    string                    `yaml:"working_dir,omitempty"`
	Labels        map[string]string         `yaml:"labels,omitempty"`
}

// ComposeNetwork is the per-service network attachment.
type ComposeNetwork struct {
	IPv4Address string `yaml:"ipv4_address,omitempty"`
}

// ComposeNetworkTopLvl marks a network as externally managed.
type ComposeNetworkTopLvl struct {
	External bool `yaml:"external,omitempty"`
}

// ComposeVolume marks a named volume as externally managed so a compose up
// against the generated file reuses the restored volume.
type ComposeVolume struct {
	External bool `yaml:"external,omitempty"`
}

// BuildCompose renders the advisory compose document for an inspected
// container. The output is a debugging aid; restores re-derive the create
// arguments instead of consuming this.
func BuildCompose(info *container.InspectResponse) ([]byte, error) {
	name := strings.TrimPrefix(info.Name, "/")
	serviceName := name
	if serviceName == "" {
		serviceName = "restored"
	}

	svc := ComposeService{
		Image:         imageRef(info),
		ContainerName: name,
	}

	cfg := info.Config
	host := info.HostConfig

	if cfg != nil {
		svc.Entrypoint = append(svc.Entrypoint, cfg.Entrypoint...)
		svc.Command = append(svc.Command, cfg.Cmd...)
		svc.Environment = append(svc.Environment, cfg.Env...)
		svc.User = cfg.User
		svc.WorkingDir = cfg.WorkingDir
		if len(cfg.Labels) > 0 {
			svc.Labels = cfg.Labels
		}
	}

	volumes := map[string]ComposeVolume{}
	if host != nil {
		for _, bind := range host.Binds {
			svc.Volumes = append(svc.Volumes, bind)
			if source, _, ok := strings.Cut(bind, ":"); ok && !strings.HasPrefix(source, "/") && !strings.HasPrefix(source, ".") {
				volumes[source] = ComposeVolume{External: true}
			}
		}
		for _, port := range sortedKeys(toStringKeys(host.PortBindings)) {
			for _, binding := range host.PortBindings[nat.Port(port)] {
				if binding.HostPort == "" {
					continue
				}
				svc.Ports = append(svc.Ports, binding.HostPort+":"+port)
			}
		}
		if policy := string(host.RestartPolicy.Name); policy != "" && policy != "no" {
			svc.Restart = policy
		}
		svc.Privileged = host.Privileged
		for _, capability := range host.CapAdd {
			svc.CapAdd = append(svc.CapAdd, string(capability))
		}
		for _, capability := range host.CapDrop {
			svc.CapDrop = append(svc.CapDrop, string(capability))
		}
	}

	networks := map[string]ComposeNetworkTopLvl{}
	mode := ""
	if host != nil {
		mode = string(host.NetworkMode)
	}
	if !defaultNetworkModes[mode] {
		attach := ComposeNetwork{}
		if ip := StaticIP(info); ip != "" {
			attach.IPv4Address = ip
		}
		svc.Networks = map[string]ComposeNetwork{mode: attach}
		networks[mode] = ComposeNetworkTopLvl{External: true}
	}

	doc := ComposeFile{
		Services: map[string]ComposeService{serviceName: svc},
	}
	if len(volumes) > 0 {
		doc.Volumes = volumes
	}
	if len(networks) > 0 {
		doc.Networks = networks
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal compose document: %w", err)
	}
	return out, nil
}

// toStringKeys converts a nat.PortMap into a map keyed by plain strings so
// the generic sortedKeys helper applies.
func toStringKeys(m nat.PortMap) map[string][]nat.PortBinding {
	out := make(map[string][]nat.PortBinding, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
