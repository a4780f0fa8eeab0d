package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// Encode converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is consumed and set back, so the response stays usable.
func Encode(res *http.Response) ([]byte, error) {
	if _, err := Buffer(res); err != nil {
		return nil, err
	}
	if res.ProtoMajor == 0 {
		res.ProtoMajor, res.ProtoMinor = 1, 1
	}
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	if _, err := Buffer(res); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode converts a byte slice created by Encode back to a response.
// The request is attached to the response and may be nil.
func Decode(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// Buffer reads the full response body into memory and replaces the body
// with a re-readable in-memory copy. It returns the body bytes.
func Buffer(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		res.ContentLength = 0
		return nil, nil
	}
	if rb, ok := res.Body.(*rereadableBody); ok {
		res.Body = newRereadableBody(rb.b)
		res.ContentLength = int64(len(rb.b))
		return rb.b, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = newRereadableBody(body)
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil
	return body, nil
}

// Clone returns a copy of the response with its own header map and body reader.
// The original response body is buffered and remains readable.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := Buffer(res)
	if err != nil {
		return nil, err
	}
	clone := *res
	clone.Header = res.Header.Clone()
	if body == nil {
		clone.Body = http.NoBody
	} else {
		clone.Body = newRereadableBody(body)
	}
	return &clone, nil
}

// rereadableBody is an in-memory body that remembers its bytes.
type rereadableBody struct {
	*bytes.Reader
	b []byte
}

func newRereadableBody(b []byte) *rereadableBody {
	return &rereadableBody{Reader: bytes.NewReader(b), b: b}
}

func (r *rereadableBody) Close() error {
	return nil
}
