// Package runspec re-derives a docker create invocation and a compose
// document from a container inspect document. The derived form is
// authoritative at restore time: fixes here apply to old archives too,
// because the stored run command is advisory only.
package runspec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

// Compose and Swarm labels identifying stack membership.
const (
	ComposeProjectLabel = "com.docker.compose.project"
	ComposeServiceLabel = "com.docker.compose.service"
	SwarmNamespaceLabel = "com.docker.stack.namespace"
)

// defaultNetworkModes are the modes that do not need a --network flag and
// reject static IP assignment.
var defaultNetworkModes = map[string]bool{
	"":        true,
	"default": true,
	"bridge":  true,
}

// BuildCreateArgs emits an argument list for docker create that reproduces
// the inspected container. portOverrides maps container ports (with
// protocol suffix, e.g. "80/tcp") to replacement host ports; overridden
// bindings are emitted first and the originals suppressed.
//
// The inspect document is effectively untyped JSON; every subtree is looked
// up defensively. Missing pieces shrink the argument list, never panic.
func BuildCreateArgs(info *container.InspectResponse, portOverrides map[string]string) []string {
	var args []string

	name := strings.TrimPrefix(info.Name, "/")
	if name != "" {
		args = append(args, "--name", name)
	}

	cfg := info.Config
	host := info.HostConfig

	if cfg != nil && !cfg.AttachStdin && !cfg.AttachStdout {
		args = append(args, "-d")
	}
	if cfg != nil && cfg.Tty {
		args = append(args, "-t")
	}
	if cfg != nil && cfg.OpenStdin {
		args = append(args, "-i")
	}

	args = append(args, portArgs(host, portOverrides)...)

	if cfg != nil {
		for _, env := range cfg.Env {
			args = append(args, "-e", env)
		}
	}

	if host != nil {
		for _, bind := range host.Binds {
			args = append(args, "-v", bind)
		}
	}

	args = append(args, networkArgs(info)...)

	if host != nil {
		if policy := string(host.RestartPolicy.Name); policy != "" && policy != "no" {
			if policy == "on-failure" && host.RestartPolicy.MaximumRetryCount > 0 {
				policy = fmt.Sprintf("on-failure:%d", host.RestartPolicy.MaximumRetryCount)
			}
			args = append(args, "--restart", policy)
		}
		if host.Privileged {
			args = append(args, "--privileged")
		}
		for _, capability := range host.CapAdd {
			args = append(args, "--cap-add", string(capability))
		}
		for _, capability := range host.CapDrop {
			args = append(args, "--cap-drop", string(capability))
		}
	}

	if cfg != nil {
		if cfg.WorkingDir != "" {
			args = append(args, "-w", cfg.WorkingDir)
		}
		if cfg.User != "" {
			args = append(args, "-u", cfg.User)
		}
		// Every label round-trips; Compose and Swarm stack labels included.
		for _, key := range sortedKeys(cfg.Labels) {
			args = append(args, "--label", key+"="+cfg.Labels[key])
		}
	}

	// docker accepts a single --entrypoint value; surplus entrypoint
	// elements shift onto the front of the command list.
	var cmd []string
	if cfg != nil {
		if len(cfg.Entrypoint) > 0 {
			args = append(args, "--entrypoint", cfg.Entrypoint[0])
			cmd = append(cmd, cfg.Entrypoint[1:]...)
		}
		cmd = append(cmd, cfg.Cmd...)
	}

	args = append(args, imageRef(info))
	args = append(args, cmd...)

	return args
}

// portArgs emits -p flags. Overrides come first; the original binding for an
// overridden container port is suppressed. Container ports keep their
// protocol suffix.
func portArgs(host *container.HostConfig, overrides map[string]string) []string {
	var args []string

	for _, port := range sortedKeys(overrides) {
		args = append(args, "-p", overrides[port]+":"+port)
	}

	if host == nil {
		return args
	}

	var ports []string
	for port := range host.PortBindings {
		ports = append(ports, string(port))
	}
	sort.Strings(ports)

	for _, port := range ports {
		if _, overridden := overrides[port]; overridden {
			continue
		}
		for _, binding := range host.PortBindings[nat.Port(port)] {
			if binding.HostPort == "" {
				continue
			}
			args = append(args, "-p", binding.HostPort+":"+port)
		}
	}

	return args
}

// networkArgs emits --network and --ip. A static IP is only emitted for
// user-defined networks; Docker rejects --ip on the default bridge.
func networkArgs(info *container.InspectResponse) []string {
	var args []string

	mode := ""
	if info.HostConfig != nil {
		mode = string(info.HostConfig.NetworkMode)
	}
	if !defaultNetworkModes[mode] {
		args = append(args, "--network", mode)
	}

	if ip := StaticIP(info); ip != "" && !defaultNetworkModes[mode] {
		args = append(args, "--ip", ip)
	}

	return args
}

// StaticIP returns the container's configured static IP on its first
// user-defined network, or the live address when no static assignment
// exists, or "".
func StaticIP(info *container.InspectResponse) string {
	if info.NetworkSettings == nil {
		return ""
	}

	for _, netName := range sortedKeys(info.NetworkSettings.Networks) {
		endpoint := info.NetworkSettings.Networks[netName]
		if endpoint == nil {
			continue
		}
		if endpoint.IPAMConfig != nil && endpoint.IPAMConfig.IPv4Address != "" {
			return endpoint.IPAMConfig.IPv4Address
		}
		if endpoint.IPAddress != "" {
			return endpoint.IPAddress
		}
	}
	return ""
}

// imageRef resolves the image reference, preferring the symbolic Config.Image
// over the content-addressed top-level Image.
func imageRef(info *container.InspectResponse) string {
	if info.Config != nil && info.Config.Image != "" {
		return info.Config.Image
	}
	return info.Image
}

// StripDetach removes -d/--detach flags from an argument list.
func StripDetach(args []string) []string {
	out := args[:0]
	for _, arg := range args {
		if arg == "-d" || arg == "--detach" {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// StripStaticIP removes a --ip flag and its value. Used when the effective
// network turns out to be the default bridge, which rejects static IPs.
func StripStaticIP(args []string) []string {
	out := args[:0]
	for i := 0; i < len(args); i++ {
		if args[i] == "--ip" {
			i++ // skip the address too
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// ReplaceName substitutes the value following --name. A missing --name flag
// leaves the list untouched.
func ReplaceName(args []string, newName string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--name" {
			out[i+1] = newName
			return out
		}
	}
	return out
}

// NetworkOf returns the --network value from an argument list, or "".
func NetworkOf(args []string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "--network" {
			return args[i+1]
		}
	}
	return ""
}

// HasFlag reports whether the argument list contains the exact flag.
func HasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}

// BuildRunCommand renders the argument list as a shell-safe docker run
// command line for the advisory docker_run_command.txt.
func BuildRunCommand(info *container.InspectResponse, portOverrides map[string]string) string {
	args := BuildCreateArgs(info, portOverrides)
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, "docker", "run")
	for _, arg := range args {
		parts = append(parts, quoteArg(arg))
	}
	return strings.Join(parts, " ")
}

// StackName detects Compose project or Swarm stack membership from labels.
func StackName(labels map[string]string) string {
	if labels == nil {
		return ""
	}
	if project := labels[ComposeProjectLabel]; project != "" {
		return project
	}
	return labels[SwarmNamespaceLabel]
}

// quoteArg wraps an argument in double quotes when it contains whitespace or
// shell-significant characters, escaping embedded double quotes.
func quoteArg(arg string) string {
	if !strings.ContainsAny(arg, " \t\n$\\\"'") {
		return arg
	}
	return `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
}

// sortedKeys returns the map keys in sorted order for deterministic output.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
