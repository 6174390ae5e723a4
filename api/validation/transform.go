package validation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"geoTransform/worker/converter"
	"geoTransform/worker/crs"
)

type Mode string

const (
	ModePrompt   Mode = "prompt"
	ModeDeferred Mode = "deferred"
)

// Upload is a resource sent in the request body.
type Upload struct {
	Filename string
	Size     int64
	File     io.ReadSeeker
}

// Params is the raw input of a transform request.
type Params struct {
	From     string `validate:"omitempty,crs"`
	To       string `validate:"omitempty,crs"`
	SrcType  string `validate:"required,oneof=vector raster"`
	Format   string
	Response string `validate:"omitempty,oneof=prompt deferred"`
	// Resource is a path on the server's filesystem. Only trusted
	// callers sharing that filesystem should use it.
	Resource string
	Upload   *Upload
}

// Request is a validated transform request.
type Request struct {
	Options converter.Options
	Mode    Mode
	// Path is the absolute server path of the source, empty for uploads.
	Path   string
	Upload *Upload
}

func (r *Request) FromUpload() bool {
	return r.Upload != nil
}

// InputSize is the byte size of the source, or zero when unknown.
func (r *Request) InputSize() int64 {
	if r.Upload != nil {
		return r.Upload.Size
	}
	info, err := os.Stat(r.Path)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

type Validator struct {
	validate      *validator.Validate
	maxUploadSize int64
}

func New(maxUploadSize int64) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("crs", func(fl validator.FieldLevel) bool {
		_, err := crs.Parse(fl.Field().String())
		return err == nil
	})
	return &Validator{validate: v, maxUploadSize: maxUploadSize}
}

var fieldErrors = map[string]error{
	"From":     ErrSourceCRS,
	"To":       ErrTargetCRS,
	"SrcType":  ErrSrcType,
	"Response": ErrResponseMode,
}

// Transform checks every parameter and reports all problems at once as
// an *Error.
func (v *Validator) Transform(p Params) (*Request, error) {
	failed := make(map[string]bool)
	if err := v.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, err
		}
		for _, fe := range verrs {
			failed[fe.StructField()] = true
		}
	}

	var errs error
	for _, field := range []string{"From", "To", "SrcType"} {
		if failed[field] {
			errs = multierr.Append(errs, fieldErrors[field])
		}
	}

	req := &Request{
		Options: converter.Options{SrcType: converter.SourceType(p.SrcType)},
		Mode:    ModePrompt,
	}
	if !failed["From"] && p.From != "" {
		req.Options.SourceCRS, _ = crs.Parse(p.From)
	}
	if !failed["To"] && p.To != "" {
		req.Options.TargetCRS, _ = crs.Parse(p.To)
	}

	if p.Format != "" && !failed["SrcType"] {
		d, ok := converter.LookupDriver(req.Options.SrcType, p.Format)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w %s", ErrUnsupportedFormat, p.Format))
		} else {
			req.Options.Format = d.Name
		}
	}

	if failed["Response"] {
		errs = multierr.Append(errs, fieldErrors["Response"])
	} else if p.Response != "" {
		req.Mode = Mode(p.Response)
	}

	errs = multierr.Append(errs, v.resource(p, req, failed["SrcType"]))

	if errs != nil {
		return nil, newError(errs)
	}
	return req, nil
}

func (v *Validator) resource(p Params, req *Request, badType bool) error {
	switch {
	case p.Resource != "" && p.Upload != nil:
		return ErrAmbiguousResource
	case p.Resource != "":
		abs, err := filepath.Abs(p.Resource)
		if err != nil {
			return ErrFileNotFound
		}
		if _, err := os.Stat(abs); err != nil {
			return ErrFileNotFound
		}
		req.Path = abs
		return nil
	case p.Upload != nil:
		return v.upload(p.Upload, p.SrcType, badType, req)
	}
	return ErrMissingResource
}

func (v *Validator) upload(u *Upload, srcType string, badType bool, req *Request) error {
	if u.File == nil || u.Filename == "" {
		return ErrMissingResource
	}
	if v.maxUploadSize > 0 && u.Size > v.maxUploadSize {
		return ErrFileTooLarge
	}
	if !badType {
		kind, err := DetectKind(u.File)
		if err != nil {
			return fmt.Errorf("read uploaded resource: %w", err)
		}
		if !Compatible(kind, srcType) {
			return fmt.Errorf("%w: looks like %s data", ErrPayloadMismatch, kind)
		}
	}
	req.Upload = u
	return nil
}
