package main

const (
	rootHelpShort = "treezip compresses directory trees into split zip volumes."

	rootHelpLong = `treezip compresses directory trees into split zip volumes.

It walks a source tree and mirrors its layout into an output folder. Shallow files are
compressed one by one, folders beyond a maximum depth are compressed as a whole, and
files with excluded extensions are copied as-is. Every archive is split into volumes of
a fixed size by an external 7-Zip compatible engine, can be tested for integrity after
compression, and all sources and volumes can be recorded in an md5sum compatible manifest.

It supports these commands:

  compress - compress a file or directory tree into a mirrored tree of split archives
  plan     - print the actions a compression would take, without executing any of them
  check    - verify the files listed in a checksum manifest

All commands print their primary results (such as produced files or actions) to standard
output (stdout). Any encountered errors and operational messages are printed to standard
error (stderr).

Exit Codes:
  0 - Success
  1 - Partial failure (some actions, checksums or verifications failed; or mismatches found)
  2 - General failure (invalid input, missing engine, I/O errors, etc.)

For detailed help on a specific command, run:
  treezip help <command>`

	compressHelpShort = "Compress a file or directory tree into split zip volumes"

	compressHelpLong = `Compress a file or directory tree into split zip volumes.

The command walks <source> in lexical order and decides for every entry:
  - files are compressed on their own into <stem>.zip next to their mirrored position,
  - files with an extension given to --exclude-extensions are copied as-is,
  - folders deeper than --max-depth are compressed as a whole into <folder>.zip,
    including any files with excluded extensions inside of them.

Archives larger than --volume-size are split into <name>.zip.001, <name>.zip.002, ...
by the compression engine (7-Zip, located via --engine). With --test every archive is
tested for integrity after all compression is done; with --checksums an md5sum compatible
compression_checksums.md5 is written to the output root, listing the sources, the produced
volumes or both (--checksum-mode).

A failing action never stops the remaining ones. All produced paths are printed to
standard output (stdout), operational output is written to standard error (stderr).
The command returns with an exit code 0 when everything succeeded; an exit code 1 when
some actions, verifications or checksums failed; an exit code 2 for invalid input.`

	compressExample = `
# Split every file of a tree into 100M volumes:
treezip compress /path/to/source --volume-size 100M

# Copy temporary and log files instead of compressing them, and record checksums:
treezip compress /path/to/source -v 500M -e ".tmp,.log" --checksums

# Compress every folder below the first level as a whole:
treezip compress /path/to/source -v 1G --max-depth 1

# Test every archive after compressing, using the maximum compression level:
treezip compress /path/to/source -v 100M --test --compression-level 9`

	planHelpShort = "Print the actions a compression of a source would take"

	planHelpLong = `Print the actions a compression of a source would take, without executing any of them.

Every planned action is printed to standard output (stdout) as "<action>\t<path>", where
<action> is one of compress-file, compress-subtree or copy-file and <path> is relative to
the source. Entries that cannot be read are reported on standard error (stderr) and lead
to an exit code 1; the command otherwise returns with an exit code 0.`

	planExample = `
# Show what would happen with a maximum depth of 2:
treezip plan /path/to/source --max-depth 2

# Show which files would only be copied:
treezip plan /path/to/source -e ".tmp,.log" | grep ^copy-file`

	checkHelpShort = "Verify the files listed in a checksum manifest"

	checkHelpLong = `Verify the files listed in a checksum manifest.

Every "<digest>  <path>" line of the manifest is checked by hashing the file at <path>,
relative to --base (default: the folder containing the manifest). One "<path>: OK",
"<path>: FAILED" or "<path>: MISSING" line per entry is printed to standard output (stdout).

Source and volume entries of the same manifest are relative to different folders, so
--ignore-missing is useful to check only the side that is present below --base.

The command returns with an exit code 0 when all files match; with an exit code 1 when
any mismatching or missing files were found; an exit code 2 for any other errors.`

	checkExample = `
# Verify the produced volumes after an upload and download round trip:
treezip check /backup/photos_compressed/compression_checksums.md5 --ignore-missing

# Verify the source files against the same manifest:
treezip check /backup/photos_compressed/compression_checksums.md5 --base /data/photos --ignore-missing`
)
