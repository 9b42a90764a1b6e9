package httpserver

import (
	"io"

	"github.com/pagecraft/server/pkg/responders"
)

// decodeJSON decodes a JSON request body and closes it.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	return responders.Decode(r, dest)
}
