package runspec

import (
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webInspect() *container.InspectResponse {
	return &container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			Name:  "/web",
			Image: "sha256:deadbeef",
			HostConfig: &container.HostConfig{
				Binds:       []string{"webdata:/usr/share/nginx/html"},
				NetworkMode: "bridge",
				PortBindings: nat.PortMap{
					"80/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8080"}},
				},
				RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
			},
		},
		Config: &container.Config{
			Image:  "nginx:1.25",
			Env:    []string{"NGINX_HOST=example.com"},
			Cmd:    strslice.StrSlice{"nginx", "-g", "daemon off;"},
			Labels: map[string]string{"com.docker.compose.project": "webstack"},
		},
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"bridge": {IPAddress: "172.17.0.2", Gateway: "172.17.0.1", IPPrefixLen: 16},
			},
		},
	}
}

func TestBuildCreateArgsEmissionOrder(t *testing.T) {
	args := BuildCreateArgs(webInspect(), nil)

	joined := strings.Join(args, " ")
	assert.Equal(t,
		`--name web -d -p 8080:80/tcp -e NGINX_HOST=example.com -v webdata:/usr/share/nginx/html --restart unless-stopped --label com.docker.compose.project=webstack nginx:1.25 nginx -g daemon off;`,
		joined)
}

func TestBuildCreateArgsPortOverrides(t *testing.T) {
	args := BuildCreateArgs(webInspect(), map[string]string{"80/tcp": "9090"})
	joined := strings.Join(args, " ")

	// Override emitted, original suppressed, protocol suffix retained.
	assert.Contains(t, joined, "-p 9090:80/tcp")
	assert.NotContains(t, joined, "8080:80")
}

func TestBuildCreateArgsNoStaticIPOnDefaultBridge(t *testing.T) {
	args := BuildCreateArgs(webInspect(), nil)
	assert.False(t, HasFlag(args, "--ip"), "bridge-attached containers must not get --ip")
	assert.False(t, HasFlag(args, "--network"))
}

func TestBuildCreateArgsUserDefinedNetworkKeepsStaticIP(t *testing.T) {
	info := webInspect()
	info.HostConfig.NetworkMode = "appnet"
	info.NetworkSettings.Networks = map[string]*network.EndpointSettings{
		"appnet": {
			IPAMConfig:  &network.EndpointIPAMConfig{IPv4Address: "172.20.0.10"},
			IPAddress:   "172.20.0.10",
			Gateway:     "172.20.0.1",
			IPPrefixLen: 16,
		},
	}

	args := BuildCreateArgs(info, nil)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--network appnet")
	assert.Contains(t, joined, "--ip 172.20.0.10")
}

func TestBuildCreateArgsTtyAndStdin(t *testing.T) {
	info := webInspect()
	info.Config.Tty = true
	info.Config.OpenStdin = true
	info.Config.AttachStdin = true

	args := BuildCreateArgs(info, nil)
	assert.False(t, HasFlag(args, "-d"), "attached containers are not detached")
	assert.True(t, HasFlag(args, "-t"))
	assert.True(t, HasFlag(args, "-i"))
}

func TestBuildCreateArgsEntrypointShiftsExtraElements(t *testing.T) {
	info := webInspect()
	info.Config.Entrypoint = strslice.StrSlice{"/bin/sh", "-c"}
	info.Config.Cmd = strslice.StrSlice{"echo hello"}

	args := BuildCreateArgs(info, nil)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--entrypoint /bin/sh nginx:1.25 -c echo hello")
}

func TestBuildCreateArgsPrivilegedCapsUserWorkdir(t *testing.T) {
	info := webInspect()
	info.HostConfig.Privileged = true
	info.HostConfig.CapAdd = strslice.StrSlice{"NET_ADMIN"}
	info.HostConfig.CapDrop = strslice.StrSlice{"MKNOD"}
	info.Config.User = "1000:1000"
	info.Config.WorkingDir = "/srv"

	joined := strings.Join(BuildCreateArgs(info, nil), " ")
	assert.Contains(t, joined, "--privileged")
	assert.Contains(t, joined, "--cap-add NET_ADMIN")
	assert.Contains(t, joined, "--cap-drop MKNOD")
	assert.Contains(t, joined, "-w /srv")
	assert.Contains(t, joined, "-u 1000:1000")
}

func TestBuildCreateArgsDefensiveAgainstMissingSubtrees(t *testing.T) {
	info := &container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{Name: "/bare", Image: "sha256:feed"},
	}

	var args []string
	require.NotPanics(t, func() { args = BuildCreateArgs(info, nil) })
	assert.Equal(t, []string{"--name", "bare", "sha256:feed"}, args)
}

func TestBuildCreateArgsImageFallsBackToTopLevel(t *testing.T) {
	info := webInspect()
	info.Config.Image = ""

	args := BuildCreateArgs(info, nil)
	assert.Contains(t, args, "sha256:deadbeef")
}

func TestStripDetach(t *testing.T) {
	args := StripDetach([]string{"--name", "web", "-d", "--detach", "nginx"})
	assert.Equal(t, []string{"--name", "web", "nginx"}, args)
}

func TestStripStaticIP(t *testing.T) {
	args := StripStaticIP([]string{"--network", "bridge", "--ip", "172.17.0.5", "nginx"})
	assert.Equal(t, []string{"--network", "bridge", "nginx"}, args)
}

func TestReplaceName(t *testing.T) {
	args := ReplaceName([]string{"--name", "web", "nginx"}, "web-restored")
	assert.Equal(t, []string{"--name", "web-restored", "nginx"}, args)

	// No --name flag leaves the list untouched.
	args = ReplaceName([]string{"nginx"}, "x")
	assert.Equal(t, []string{"nginx"}, args)
}

func TestNetworkOf(t *testing.T) {
	assert.Equal(t, "appnet", NetworkOf([]string{"--network", "appnet", "nginx"}))
	assert.Equal(t, "", NetworkOf([]string{"nginx"}))
}

func TestBuildRunCommandQuoting(t *testing.T) {
	info := webInspect()
	info.Config.Env = []string{`MOTD=hello world "quoted"`, "PLAIN=1"}

	cmd := BuildRunCommand(info, nil)
	assert.True(t, strings.HasPrefix(cmd, "docker run --name web"))
	assert.Contains(t, cmd, `-e "MOTD=hello world \"quoted\""`)
	assert.Contains(t, cmd, "-e PLAIN=1")
	assert.Contains(t, cmd, `"daemon off;"`)
}

func TestStackName(t *testing.T) {
	assert.Equal(t, "webstack", StackName(map[string]string{ComposeProjectLabel: "webstack"}))
	assert.Equal(t, "swarmstack", StackName(map[string]string{SwarmNamespaceLabel: "swarmstack"}))
	assert.Equal(t, "", StackName(nil))
	assert.Equal(t, "", StackName(map[string]string{"other": "x"}))
}

func TestBuildCompose(t *testing.T) {
	info := webInspect()
	info.HostConfig.NetworkMode = "appnet"
	info.NetworkSettings.Networks = map[string]*network.EndpointSettings{
		"appnet": {IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: "172.20.0.10"}},
	}

	out, err := BuildCompose(info)
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "web:")
	assert.Contains(t, text, "image: nginx:1.25")
	assert.Contains(t, text, "container_name: web")
	assert.Contains(t, text, "8080:80/tcp")
	assert.Contains(t, text, "webdata:/usr/share/nginx/html")
	assert.Contains(t, text, "ipv4_address: 172.20.0.10")
	assert.Contains(t, text, "restart: unless-stopped")
	assert.Contains(t, text, "external: true")
}

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"has space", `"has space"`},
		{`with"quote`, `"with\"quote"`},
		{"dollar$sign", `"dollar$sign"`},
		{"back\\slash", `"back\slash"`},
		{"apostrophe's", `"apostrophe's"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quoteArg(tt.in), tt.in)
	}
}

func TestBuildCreateArgsOverridesWithoutOriginalBindings(t *testing.T) {
	info := webInspect()
	info.HostConfig.PortBindings = nil

	args := BuildCreateArgs(info, map[string]string{"5432/tcp": "15432"})
	assert.Contains(t, strings.Join(args, " "), "-p 15432:5432/tcp")
}
