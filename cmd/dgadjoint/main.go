package main

import (
	_ "github.com/notargets/DGAdjoint/physics/diffusion"
	_ "github.com/notargets/DGAdjoint/physics/meshmove"
	_ "github.com/notargets/DGAdjoint/physics/testinput"
)

func main() {
	Execute()
}
