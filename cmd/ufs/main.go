// Command ufs manages disk images for the file system: creating them,
// dumping their metadata, listing and printing their contents, checking
// their structural invariants, and serving them over HTTP.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/google/renameio"
	"github.com/urfave/cli/v2"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/ufs/disk"
	"github.com/dargueta/ufs/disks"
	"github.com/dargueta/ufs/fs"
	"github.com/dargueta/ufs/httpd"
	"github.com/dargueta/ufs/layout"
)

func main() {
	app := cli.App{
		Name:  "ufs",
		Usage: "Manage file system disk images",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create a fresh image",
				Action:    formatImage,
				ArgsUsage: "IMAGE_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "profile",
						Usage: "image profile `SLUG` (see 'ufs profiles')",
					},
					&cli.IntFlag{
						Name:  "inodes",
						Usage: "number of inodes",
						Value: 32,
					},
					&cli.IntFlag{
						Name:  "data",
						Usage: "number of data blocks",
						Value: 1024,
					},
				},
			},
			{
				Name:   "profiles",
				Usage:  "List the stock image profiles",
				Action: listProfiles,
			},
			{
				Name:      "bits",
				Usage:     "Dump the superblock and allocation bitmaps",
				Action:    dumpBits,
				ArgsUsage: "IMAGE_FILE",
			},
			{
				Name:      "cat",
				Usage:     "Print the blocks and contents of one inode",
				Action:    catInode,
				ArgsUsage: "IMAGE_FILE INODE_NUMBER",
			},
			{
				Name:      "ls",
				Usage:     "Recursively list every directory",
				Action:    listTree,
				ArgsUsage: "IMAGE_FILE",
			},
			{
				Name:      "check",
				Usage:     "Verify the image's structural invariants",
				Action:    checkImage,
				ArgsUsage: "IMAGE_FILE",
			},
			{
				Name:      "serve",
				Usage:     "Serve the image over HTTP under /ds3/",
				Action:    serveImage,
				ArgsUsage: "IMAGE_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen `ADDRESS`",
						Value: ":8080",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// openImage opens the image named by the command's first argument.
func openImage(context *cli.Context) (*disk.Disk, error) {
	path := context.Args().Get(0)
	if path == "" {
		return nil, cli.Exit("missing image file argument", 2)
	}
	return disk.Open(path, layout.BlockSize)
}

func formatImage(context *cli.Context) error {
	path := context.Args().Get(0)
	if path == "" {
		return cli.Exit("missing image file argument", 2)
	}

	numInodes := int32(context.Int("inodes"))
	numData := int32(context.Int("data"))
	if slug := context.String("profile"); slug != "" {
		profile, err := disks.BySlug(slug)
		if err != nil {
			return err
		}
		numInodes = profile.NumInodes
		numData = profile.NumData
	}

	// Build the image in memory and write it out atomically, so a failure
	// partway through never leaves a truncated image on disk.
	backing := make([]byte, int64(fs.TotalBlocks(numInodes, numData))*layout.BlockSize)
	dev, err := disk.New(bytesextra.NewReadWriteSeeker(backing), layout.BlockSize)
	if err != nil {
		return err
	}
	if err := fs.Format(dev, numInodes, numData); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, backing, 0o644); err != nil {
		return err
	}

	log.Printf(
		"formatted %s: %d inodes, %d data blocks, %d bytes",
		path, numInodes, numData, len(backing))
	return nil
}

func listProfiles(context *cli.Context) error {
	profiles, err := disks.List()
	if err != nil {
		return err
	}

	for _, profile := range profiles {
		fmt.Printf(
			"%-12s %6d inodes  %8d data blocks  %11d bytes  %s\n",
			profile.Slug,
			profile.NumInodes,
			profile.NumData,
			profile.TotalSizeBytes(),
			profile.Notes)
	}
	return nil
}

func dumpBits(context *cli.Context) error {
	dev, err := openImage(context)
	if err != nil {
		return err
	}
	defer dev.Close()

	fsys := fs.New(dev)
	super, err := fsys.ReadSuperblock()
	if err != nil {
		return err
	}

	fmt.Println("Super")
	fmt.Println("inode_region_addr", super.InodeRegionAddr)
	fmt.Println("data_region_addr", super.DataRegionAddr)
	fmt.Println()

	fmt.Println("Inode bitmap")
	if err := printBitmapBytes(dev, super.InodeBitmapAddr, super.InodeBitmapLen); err != nil {
		return err
	}
	fmt.Println()

	fmt.Println("Data bitmap")
	return printBitmapBytes(dev, super.DataBitmapAddr, super.DataBitmapLen)
}

func printBitmapBytes(dev *disk.Disk, addr, length int32) error {
	buf := make([]byte, layout.BlockSize)
	for i := int32(0); i < length; i++ {
		if err := dev.ReadBlock(int(addr+i), buf); err != nil {
			return err
		}
		for _, b := range buf {
			fmt.Printf("%d ", b)
		}
	}
	fmt.Println()
	return nil
}

func catInode(context *cli.Context) error {
	dev, err := openImage(context)
	if err != nil {
		return err
	}
	defer dev.Close()

	inum, err := strconv.Atoi(context.Args().Get(1))
	if err != nil {
		return cli.Exit("inode number must be an integer", 2)
	}

	fsys := fs.New(dev)
	inode, err := fsys.Stat(inum)
	if err != nil {
		return err
	}

	fmt.Println("File blocks")
	for i := int32(0); i < inode.BlockCount(); i++ {
		fmt.Println(inode.Direct[i])
	}
	fmt.Println()

	fmt.Println("File data")
	buf := make([]byte, inode.Size)
	if _, err := fsys.Read(inum, buf, int(inode.Size)); err != nil {
		return err
	}
	os.Stdout.Write(buf)
	return nil
}

func listTree(context *cli.Context) error {
	dev, err := openImage(context)
	if err != nil {
		return err
	}
	defer dev.Close()

	return listDirectory(fs.New(dev), "/", layout.RootInode)
}

// listDirectory prints one directory's entries sorted by name, then descends
// into its subdirectories.
func listDirectory(fsys *fs.FileSystem, path string, inum int) error {
	entries, err := fsys.ReadDir(inum)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EntryName() < entries[j].EntryName()
	})

	fmt.Printf("Directory %s\n", path)
	for i := range entries {
		fmt.Printf("%d\t%s\n", entries[i].Inum, entries[i].EntryName())
	}
	fmt.Println()

	for i := range entries {
		name := entries[i].EntryName()
		if name == "." || name == ".." {
			continue
		}
		child, err := fsys.Stat(int(entries[i].Inum))
		if err != nil {
			return err
		}
		if child.Type == layout.Directory {
			err = listDirectory(fsys, path+name+"/", int(entries[i].Inum))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func checkImage(context *cli.Context) error {
	dev, err := openImage(context)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := fs.Check(dev); err != nil {
		fmt.Println(err.Error())
		return cli.Exit("image is corrupted", 1)
	}
	fmt.Println("image is clean")
	return nil
}

func serveImage(context *cli.Context) error {
	dev, err := openImage(context)
	if err != nil {
		return err
	}
	defer dev.Close()

	service := httpd.New(fs.New(dev), dev)
	addr := context.String("addr")
	log.Printf("serving %s on %s%s", context.Args().Get(0), addr, httpd.Prefix)
	return http.ListenAndServe(addr, service.Handler())
}
