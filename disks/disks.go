// Package disks is a small catalog of stock image geometries, so tools can
// create images by name instead of hand-picking inode and block counts.
package disks

import (
	_ "embed"
	"fmt"

	"github.com/gocarina/gocsv"

	"github.com/dargueta/ufs"
	"github.com/dargueta/ufs/fs"
	"github.com/dargueta/ufs/layout"
)

//go:embed profiles.csv
var profilesCsv string

// ImageProfile is one row of the catalog.
type ImageProfile struct {
	Name string `csv:"name"`
	Slug string `csv:"slug"`

	// NumInodes is the number of inodes the image holds, root included.
	NumInodes int32 `csv:"num_inodes"`

	// NumData is the number of data blocks available for file and directory
	// contents.
	NumData int32 `csv:"num_data"`

	Notes string `csv:"notes"`
}

// TotalBlocks gives the number of blocks an image with this profile occupies:
// superblock, both bitmaps, the inode region, and the data region.
func (p *ImageProfile) TotalBlocks() int32 {
	return fs.TotalBlocks(p.NumInodes, p.NumData)
}

// TotalSizeBytes gives the size of the image file this profile produces.
func (p *ImageProfile) TotalSizeBytes() int64 {
	return int64(p.TotalBlocks()) * layout.BlockSize
}

// List returns every profile in the catalog, in file order.
func List() ([]ImageProfile, error) {
	var profiles []ImageProfile
	if err := gocsv.UnmarshalString(profilesCsv, &profiles); err != nil {
		return nil, ufs.ErrIOFailed.WrapError(err)
	}
	return profiles, nil
}

// BySlug returns the profile with the given slug.
func BySlug(slug string) (ImageProfile, error) {
	profiles, err := List()
	if err != nil {
		return ImageProfile{}, err
	}

	for _, profile := range profiles {
		if profile.Slug == slug {
			return profile, nil
		}
	}
	return ImageProfile{}, ufs.ErrNotFound.WithMessage(
		fmt.Sprintf("no image profile named %q", slug))
}
