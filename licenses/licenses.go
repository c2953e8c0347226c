// Package licenses ships the license texts of all third-party libraries compiled into the binary.
package licenses

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

// the license tool writes one directory per library next to this file, each holding a LICENSE
// file. The whole tree is embedded since the tool removes the directories before building.
//
//go:embed *
var licenseFS embed.FS

const separator = "\n------------------------------------------------\n\n"

const projectURL = "https://github.com/snyk/manifest-washer"

// Print writes all embedded licenses to w and returns the exit code for the -licenses flag.
func Print(w io.Writer) (exitCode int) {
	return printFS(w, licenseFS)
}

func printFS(w io.Writer, fsys fs.FS) int {
	var licenses strings.Builder
	var readErrs []error
	licenses.WriteString("License Information for manifest-washer:\n")

	numLicenses := 0
	_ = fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			readErrs = append(readErrs, err)
			return nil
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".go") {
			return nil
		}

		contents, err := fs.ReadFile(fsys, path)
		if err != nil {
			readErrs = append(readErrs, err)
			return nil
		}
		numLicenses++

		licenses.WriteString("License for " + strings.TrimSuffix(path, "/LICENSE") + ":\n\n")
		licenses.Write(contents)
		licenses.WriteString(separator)
		return nil
	})

	if numLicenses != 0 {
		fmt.Fprint(w, licenses.String())
	}
	if len(readErrs) == 0 {
		return 0
	}

	fmt.Fprintf(w, "could not read licenses for %v libraries:\n", len(readErrs))
	for _, err := range readErrs {
		// the errors already contain the filename.
		fmt.Fprintln(w, err.Error())
	}
	fmt.Fprint(w, separator+"all license information can be found at "+projectURL+"\n")
	return 1
}
