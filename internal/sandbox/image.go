package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
)

// sandboxUser is the unprivileged account workspace files are owned by.
const sandboxUser = "agent"

// sandboxDockerfile defines the execution image: the agent CLI, git, and a
// best-effort egress firewall script applied when secure execution is
// enabled.
const sandboxDockerfile = `FROM node:20-slim

RUN apt-get update && apt-get install -y --no-install-recommends \
    git patch curl ca-certificates iptables procps \
    && rm -rf /var/lib/apt/lists/*

RUN npm install -g @anthropic-ai/claude-code

RUN useradd -m -s /bin/bash agent \
    && mkdir -p /workspace \
    && chown agent:agent /workspace

COPY init-firewall.sh /usr/local/bin/init-firewall.sh
RUN chmod +x /usr/local/bin/init-firewall.sh

WORKDIR /workspace
CMD ["sleep", "infinity"]
`

// initFirewallScript restricts egress to the API endpoints the agent needs.
// Failures are tolerated; containers without NET_ADMIN simply skip it.
const initFirewallScript = `#!/bin/bash
set -u
iptables -P OUTPUT ACCEPT 2>/dev/null || exit 0
iptables -F OUTPUT 2>/dev/null || exit 0
iptables -A OUTPUT -o lo -j ACCEPT
iptables -A OUTPUT -p udp --dport 53 -j ACCEPT
iptables -A OUTPUT -p tcp --dport 443 -j ACCEPT
iptables -A OUTPUT -m state --state ESTABLISHED,RELATED -j ACCEPT
iptables -P OUTPUT DROP 2>/dev/null || true
exit 0
`

// imageBuildContext assembles the in-memory tar stream fed to the image
// build.
func imageBuildContext() (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	files := map[string]string{
		"Dockerfile":       sandboxDockerfile,
		"init-firewall.sh": initFirewallScript,
	}
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return nil, fmt.Errorf("failed to write tar entry for %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize build context: %w", err)
	}
	return &buf, nil
}
