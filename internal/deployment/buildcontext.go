package deployment

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"
)

// dockerfileTemplate renders the runtime image recipe. The flow
// artifact is baked in at /app/flow.json and served by the runtime
// entrypoint on port 8080.
const dockerfileTemplate = `FROM {{ .BaseImage }}
WORKDIR /app
COPY flow.json /app/flow.json
ENV FLOW_PATH=/app/flow.json
ENV PORT=8080
EXPOSE 8080
CMD ["agent-runtime", "serve", "--flow", "/app/flow.json"]
`

const defaultBaseImage = "ghcr.io/kgents/agent-runtime:stable"

var dockerfileTmpl = template.Must(template.New("dockerfile").Parse(dockerfileTemplate))

// BuildContext is an in-memory container build context: a tar archive
// holding the Dockerfile and the flow artifact.
type BuildContext struct {
	Archive  []byte
	ImageTag string
}

// flowArtifact is the validated shape of a deployable agent config.
// Only the build stage interprets flow content; everything upstream
// treats it as opaque JSON.
type flowArtifact struct {
	Nodes []json.RawMessage `json:"nodes"`
	Edges []json.RawMessage `json:"edges"`
}

// MaterializeBuildContext validates the version config and renders it
// into a tar archive ready for the build services.
func MaterializeBuildContext(d *Deployment, config []byte, registryBase string) (*BuildContext, error) {
	var flow flowArtifact
	if err := json.Unmarshal(config, &flow); err != nil {
		return nil, fmt.Errorf("config is not a flow document: %w", err)
	}
	if flow.Nodes == nil || flow.Edges == nil {
		return nil, fmt.Errorf("config is missing required keys nodes and edges")
	}

	var dockerfile bytes.Buffer
	if err := dockerfileTmpl.Execute(&dockerfile, struct{ BaseImage string }{defaultBaseImage}); err != nil {
		return nil, fmt.Errorf("render dockerfile: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	files := []struct {
		name string
		body []byte
	}{
		{"Dockerfile", dockerfile.Bytes()},
		{"flow.json", config},
	}
	now := time.Now().UTC()
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0o644,
			Size:    int64(len(f.body)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header %s: %w", f.name, err)
		}
		if _, err := tw.Write(f.body); err != nil {
			return nil, fmt.Errorf("write tar entry %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}

	return &BuildContext{
		Archive:  buf.Bytes(),
		ImageTag: fmt.Sprintf("%s:%s", registryBase, d.ID),
	}, nil
}
