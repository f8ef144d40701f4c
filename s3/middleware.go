package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"strings"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyxml "github.com/aws/smithy-go/encoding/xml"
	"github.com/aws/smithy-go/middleware"
	smithytime "github.com/aws/smithy-go/time"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/benbjohnson/litevfs/replica"
)

// UserAgent is prepended to the SDK's User-Agent header.
const UserAgent = "litevfs"

// contentMD5StackKey carries the DeleteObjects checksum from the serialize
// step to the finalize step.
type contentMD5StackKey struct{}

func (c *Client) middlewareOption() func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		if c.RequireContentMD5 {
			if err := stack.Serialize.Add(computeContentMD5Middleware(), middleware.Before); err != nil {
				return err
			}
		}

		if err := stack.Build.Add(userAgentMiddleware(), middleware.After); err != nil {
			return err
		}

		if replica.IsTigrisEndpoint(c.Endpoint) {
			if err := stack.Build.Add(headerMiddleware("LitevfsTigrisConsistent", "X-Tigris-Consistent", "true"), middleware.After); err != nil {
				return err
			}
		}

		// Some S3-compatible stores do not support SigV4 payload hashing.
		if !c.SignPayload {
			_ = v4.RemoveComputePayloadSHA256Middleware(stack)
			if err := v4.AddUnsignedPayloadMiddleware(stack); err != nil {
				return err
			}
			_ = v4.RemoveContentSHA256HeaderMiddleware(stack)
			if err := v4.AddContentSHA256HeaderMiddleware(stack); err != nil {
				return err
			}
		}

		// The trailing checksum uses aws-chunked encoding, which unsigned
		// payloads and most S3-compatible stores reject.
		if !c.SignPayload || c.Endpoint != "" {
			stack.Finalize.Remove("addInputChecksumTrailer")
		}

		if !c.RequireContentMD5 {
			return nil
		}
		if err := stack.Finalize.Insert(setContentMD5Middleware(), "AWSChecksum:ComputeInputPayloadChecksum", middleware.Before); err != nil {
			return stack.Finalize.Add(setContentMD5Middleware(), middleware.After)
		}
		return nil
	}
}

func userAgentMiddleware() middleware.BuildMiddleware {
	return middleware.BuildMiddlewareFunc("LitevfsUserAgent", func(ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler) (
		middleware.BuildOutput, middleware.Metadata, error,
	) {
		if req, ok := in.Request.(*smithyhttp.Request); ok {
			if current := req.Header.Get("User-Agent"); current == "" {
				req.Header.Set("User-Agent", UserAgent)
			} else if !strings.Contains(current, UserAgent) {
				req.Header.Set("User-Agent", UserAgent+" "+current)
			}
		}
		return next.HandleBuild(ctx, in)
	})
}

func headerMiddleware(id, key, value string) middleware.BuildMiddleware {
	return middleware.BuildMiddlewareFunc(id, func(ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler) (
		middleware.BuildOutput, middleware.Metadata, error,
	) {
		if req, ok := in.Request.(*smithyhttp.Request); ok {
			req.Header.Set(key, value)
		}
		return next.HandleBuild(ctx, in)
	})
}

// computeContentMD5Middleware computes the Content-MD5 of DeleteObjects
// requests, which some providers require and the SDK no longer sends.
func computeContentMD5Middleware() middleware.SerializeMiddleware {
	return middleware.SerializeMiddlewareFunc("LitevfsComputeDeleteContentMD5", func(ctx context.Context, in middleware.SerializeInput, next middleware.SerializeHandler) (
		out middleware.SerializeOutput, metadata middleware.Metadata, err error,
	) {
		if middleware.GetOperationName(ctx) != "DeleteObjects" {
			return next.HandleSerialize(ctx, in)
		}

		input, ok := in.Parameters.(*s3.DeleteObjectsInput)
		if !ok || input == nil || input.Delete == nil || len(input.Delete.Objects) == 0 {
			return next.HandleSerialize(ctx, in)
		}

		checksum, err := computeDeleteObjectsContentMD5(input.Delete)
		if err != nil {
			return out, metadata, err
		} else if checksum != "" {
			ctx = middleware.WithStackValue(ctx, contentMD5StackKey{}, checksum)
		}
		return next.HandleSerialize(ctx, in)
	})
}

func setContentMD5Middleware() middleware.FinalizeMiddleware {
	return middleware.FinalizeMiddlewareFunc("LitevfsDeleteContentMD5", func(ctx context.Context, in middleware.FinalizeInput, next middleware.FinalizeHandler) (
		middleware.FinalizeOutput, middleware.Metadata, error,
	) {
		checksum, _ := middleware.GetStackValue(ctx, contentMD5StackKey{}).(string)
		if checksum == "" {
			return next.HandleFinalize(ctx, in)
		}

		if req, ok := in.Request.(*smithyhttp.Request); ok && req.Header.Get("Content-MD5") == "" {
			req.Header.Set("Content-MD5", checksum)
		}
		return next.HandleFinalize(ctx, in)
	})
}

func computeDeleteObjectsContentMD5(v *types.Delete) (string, error) {
	payload, err := marshalDeleteObjects(v)
	if err != nil || len(payload) == 0 {
		return "", err
	}
	sum := md5.Sum(payload)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// marshalDeleteObjects encodes the request body exactly as the SDK's XML
// serializer does so the checksum matches.
func marshalDeleteObjects(v *types.Delete) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	encoder := smithyxml.NewEncoder(&buf)
	root := encoder.RootElement(smithyxml.StartElement{
		Name: smithyxml.Name{Local: "Delete"},
		Attr: []smithyxml.Attr{
			smithyxml.NewNamespaceAttribute("", "http://s3.amazonaws.com/doc/2006-03-01/"),
		},
	})

	if v.Objects != nil {
		list := root.FlattenedElement(smithyxml.StartElement{Name: smithyxml.Name{Local: "Object"}})
		array := list.Array()
		for i := range v.Objects {
			encodeObjectIdentifier(&v.Objects[i], array.Member())
		}
	}
	if v.Quiet != nil {
		root.MemberElement(smithyxml.StartElement{Name: smithyxml.Name{Local: "Quiet"}}).Boolean(*v.Quiet)
	}
	root.Close()

	return encoder.Bytes(), nil
}

func encodeObjectIdentifier(v *types.ObjectIdentifier, value smithyxml.Value) {
	defer value.Close()

	member := func(name string) smithyxml.Value {
		return value.MemberElement(smithyxml.StartElement{Name: smithyxml.Name{Local: name}})
	}
	if v.ETag != nil {
		member("ETag").String(*v.ETag)
	}
	if v.Key != nil {
		member("Key").String(*v.Key)
	}
	if v.LastModifiedTime != nil {
		member("LastModifiedTime").String(smithytime.FormatHTTPDate(*v.LastModifiedTime))
	}
	if v.Size != nil {
		member("Size").Long(*v.Size)
	}
	if v.VersionId != nil {
		member("VersionId").String(*v.VersionId)
	}
}
