package serviceisolate

import (
	"fmt"
	"strings"

	"vmservice/internal/assets"
	"vmservice/internal/logger"
)

// LibraryTag is the kind of request a loader makes while building a library graph.
type LibraryTag int

const (
	TagCanonicalizeURL LibraryTag = iota
	TagScript
	TagSource
	TagImport
)

func (t LibraryTag) String() string {
	switch t {
	case TagCanonicalizeURL:
		return "canonicalize"
	case TagScript:
		return "script"
	case TagSource:
		return "source"
	case TagImport:
		return "import"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Resolution is the answer to a library tag request. URL is canonical;
// Source is empty for canonicalization requests.
type Resolution struct {
	URL    string
	Source string
}

// CanonicalizeURL resolves url relative to the requesting library. URLs with
// a scheme are already canonical.
func CanonicalizeURL(library, url string) string {
	if strings.Contains(url, ":") {
		return url
	}
	base := library
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[:i]
	}
	return base + "/" + url
}

// GetSource returns the builtin source registered under name.
func (c *Coordinator) GetSource(name string) (string, error) {
	src, ok := c.assets.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, name)
	}
	return src, nil
}

// LibraryTagHandler serves the loader while the service isolate's libraries
// are built. Only builtin libraries are known; an unknown name means the
// build is misconfigured.
func (c *Coordinator) LibraryTagHandler(tag LibraryTag, library, url string) (Resolution, error) {
	if url == "" {
		return Resolution{}, fmt.Errorf("%s request without a url", tag)
	}
	if library == "" && tag != TagScript {
		return Resolution{}, fmt.Errorf("%s request for %s without a requesting library", tag, url)
	}

	switch tag {
	case TagCanonicalizeURL:
		return Resolution{URL: CanonicalizeURL(library, url)}, nil

	case TagImport:
		canonical := CanonicalizeURL(library, url)
		src, err := c.GetSource(canonical)
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: %s imported from %s", ErrUnsupportedImport, url, library)
		}
		return Resolution{URL: canonical, Source: src}, nil

	case TagSource, TagScript:
		canonical := url
		if tag == TagSource {
			canonical = CanonicalizeURL(library, url)
		}
		src, err := c.GetSource(canonical)
		if err != nil {
			log := logger.WithComponent("service-isolate")
			log.Error().
				Err(err).
				Str("tag", tag.String()).
				Str("library", library).
				Msg("Builtin source missing")
			return Resolution{}, err
		}
		return Resolution{URL: canonical, Source: src}, nil

	default:
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
}

// MaybeInjectVMServiceLibrary installs the service library into a newly
// created ordinary isolate when injection is enabled. The service isolate,
// its descendants and isolates using the reserved name are skipped.
func (c *Coordinator) MaybeInjectVMServiceLibrary(iso LibraryInstaller) bool {
	if !c.opts.InjectServiceLibrary || isNil(iso) {
		return false
	}
	if NameEquals(iso.Name()) || c.IsServiceIsolate(iso) || c.IsServiceIsolateDescendant(iso) {
		return false
	}

	log := logger.WithComponent("service-isolate")
	src, err := c.GetSource(assets.ServiceLibraryURL)
	if err != nil {
		log.Error().Err(err).Msg("Service library source missing")
		return false
	}
	if err := iso.InstallLibrary(assets.ServiceLibraryURL, src); err != nil {
		log.Warn().Err(err).Str("isolate", iso.Name()).Msg("Failed to inject service library")
		return false
	}
	return true
}
