package main

import "github.com/mean-weasel/ytgify-glue-sub007/internal/cli"

func main() {
	cli.Execute()
}
