// Command lmfsctl exercises the lmfs block cache stack against image files.
package main

func main() {
	execute()
}
