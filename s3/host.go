package s3

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseHost extracts the bucket, region and endpoint from the host of an
// s3:// URL. Hosts that match no known provider are treated as a bare AWS
// bucket name.
func ParseHost(host string) (bucket, region, endpoint string, forcePathStyle bool) {
	// Self-hosted servers use bucket.host:port over plain HTTP.
	if strings.Contains(host, ":") && !strings.Contains(host, ".com") {
		if parts := strings.SplitN(host, ".", 2); len(parts) == 2 {
			return parts[0], DefaultRegion, "http://" + parts[1], true
		}
		return "", "", "http://" + host, true
	}

	if a := awsS3Regex.FindStringSubmatch(host); a != nil {
		return a[1], a[2], "", false
	} else if a := digitalOceanRegex.FindStringSubmatch(host); a != nil {
		return a[1], a[2], fmt.Sprintf("https://%s.digitaloceanspaces.com", a[2]), false
	} else if a := linodeRegex.FindStringSubmatch(host); a != nil {
		return a[1], a[2], fmt.Sprintf("https://%s.linodeobjects.com", a[2]), true
	} else if a := backblazeRegex.FindStringSubmatch(host); a != nil {
		return a[1], a[2], fmt.Sprintf("https://s3.%s.backblazeb2.com", a[2]), true
	} else if a := filebaseRegex.FindStringSubmatch(host); a != nil {
		return a[1], "", "https://s3.filebase.com", true
	} else if a := scalewayRegex.FindStringSubmatch(host); a != nil {
		return a[1], a[2], fmt.Sprintf("https://s3.%s.scw.cloud", a[2]), false
	} else if a := gcsRegex.FindStringSubmatch(host); a != nil {
		return a[1], DefaultRegion, "https://storage.googleapis.com", true
	}
	return host, "", "", false
}

var (
	awsS3Regex        = regexp.MustCompile(`^(.+)\.s3(?:[.-]([^.]+))?\.amazonaws\.com$`)
	digitalOceanRegex = regexp.MustCompile(`^(?:(.+)\.)?([^.]+)\.digitaloceanspaces\.com$`)
	linodeRegex       = regexp.MustCompile(`^(?:(.+)\.)?([^.]+)\.linodeobjects\.com$`)
	backblazeRegex    = regexp.MustCompile(`^(?:(.+)\.)?s3\.([^.]+)\.backblazeb2\.com$`)
	filebaseRegex     = regexp.MustCompile(`^(?:(.+)\.)?s3\.filebase\.com$`)
	scalewayRegex     = regexp.MustCompile(`^(?:(.+)\.)?s3\.([^.]+)\.scw\.cloud$`)
	gcsRegex          = regexp.MustCompile(`^(?:(.+)\.)?storage\.googleapis\.com$`)
)
