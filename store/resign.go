package store

import (
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// RecalculateV4Signature re-signs outgoing requests without the
// Accept-Encoding header. Some S3-compatible providers exclude it from
// their own signature computation, which makes the SDK's default
// signature invalid there.
type RecalculateV4Signature struct {
	next   http.RoundTripper
	signer *v4.Signer
	cfg    aws.Config
}

func (lt *RecalculateV4Signature) RoundTrip(req *http.Request) (*http.Response, error) {
	val := req.Header.Get("Accept-Encoding")
	req.Header.Del("Accept-Encoding")

	timeString := req.Header.Get("X-Amz-Date")
	timeDate, _ := time.Parse("20060102T150405Z", timeString)

	creds, _ := lt.cfg.Credentials.Retrieve(req.Context())
	err := lt.signer.SignHTTP(req.Context(), creds, req, v4.GetPayloadHash(req.Context()), "s3", lt.cfg.Region, timeDate)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept-Encoding", val)

	return lt.next.RoundTrip(req)
}
