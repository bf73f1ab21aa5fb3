package frame

import (
	"bytes"
	"errors"
	"html/template"
)

// DefaultScriptURL is the partner's remote loader script
const DefaultScriptURL = "https://ads.pubmatic.com/AdServer/js/gshowad.js"

// Payload is the data injected into a frame's markup
type Payload struct {
	PublisherID string
	AdSlots     []string
	// CallbackPath is the dotted global path the loader script calls when
	// the response maps are ready
	CallbackPath string
	// CallbackURL is where the maps are posted when the frame runs outside
	// the page
	CallbackURL string
	ScriptURL   string
}

var markupTemplate = template.Must(template.New("frame").Parse(`<!DOCTYPE html>
<html>
<head></head>
<body>
<script type="text/javascript">
window.pm_pub_id = {{.PublisherID}};
window.pm_optimize_adslots = {{.AdSlots}};
window.pm_async_callback_fn = {{.CallbackPath}};
{{- if .CallbackURL}}
window.pm_async_callback_url = {{.CallbackURL}};
{{- end}}
</script>
<script type="text/javascript" src="{{.ScriptURL}}"></script>
</body>
</html>
`))

// BuildMarkup renders the document written into a frame. Values are
// escaped for their script and attribute contexts.
func BuildMarkup(p Payload) (string, error) {
	if p.CallbackPath == "" {
		return "", errors.New("frame markup requires a callback path")
	}
	if p.ScriptURL == "" {
		p.ScriptURL = DefaultScriptURL
	}
	if p.AdSlots == nil {
		p.AdSlots = []string{}
	}

	var buf bytes.Buffer
	if err := markupTemplate.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}
