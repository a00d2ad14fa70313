package cmd

import (
	"github.com/fatih/color"
)

const banner = `
  ___                ____                   
 |_ _|_ __ ___  _ __/ ___| _   _ _ __   ___ 
  | || '__/ _ \| '_ \___ \| | | | '_ \ / __|
  | || | | (_) | | | |__) | |_| | | | | (__ 
 |___|_|  \___/|_| |_|____/ \__, |_| |_|\___|
                            |___/            
`

func printBanner() {
	color.New(color.FgBlue).Print(banner)
	color.New(color.FgGreen).Printf("  Encrypted Record Sync - Version %s\n\n", Version)
}
