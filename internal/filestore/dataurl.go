package filestore

import (
	"fmt"
	"maps"
	"mime"
	"slices"
	"strings"

	"github.com/vincent-petithory/dataurl"

	"spacesync/pkg/domain"
)

const defaultMIME = "application/octet-stream"

// parseDataURL decodes data:<mime>[;params][;base64],<payload>. The returned
// mime drops parameters; an omitted type means text/plain.
func parseDataURL(raw string) (string, []byte, error) {
	if !strings.HasPrefix(raw, "data:") {
		return "", nil, fmt.Errorf("%w: not a data url", domain.ErrInvalidAddress)
	}
	du, err := dataurl.DecodeString(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: decode data url: %v", domain.ErrInvalidAddress, err)
	}
	return du.ContentType(), du.Data, nil
}

// encodeDataURL renders data as a base64 data URL. Parameters in mediaType
// are kept; an unparsable type falls back to application/octet-stream.
func encodeDataURL(mediaType string, data []byte) string {
	mt, params, err := mime.ParseMediaType(mediaType)
	if err != nil || strings.Count(mt, "/") != 1 {
		mt, params = defaultMIME, nil
	}
	pairs := make([]string, 0, 2*len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		pairs = append(pairs, k, params[k])
	}
	return dataurl.New(data, mt, pairs...).String()
}
