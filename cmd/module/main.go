package main

import (
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"

	moveitsim "moveit_sim"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: moveitsim.SceneSyncModel},
		resource.APIModel{API: arm.API, Model: moveitsim.GroupArmModel},
		resource.APIModel{API: gripper.API, Model: moveitsim.AttachGripperModel},
		resource.APIModel{API: discovery.API, Model: moveitsim.DiscoveryModel},
	)
}
