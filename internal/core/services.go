package core

import (
	"github.com/rs/zerolog"
)

// Services bundles every core service over a shared database handle. The
// live pusher is optional; processes without a websocket gateway (the
// stateless API worker, maintenance) pass nil and all task delivery goes
// through the durable queue.
type Services struct {
	Nodes        *NodeService
	Applications *ApplicationService
	Deployments  *DeploymentService
	Tasks        *TaskService
	Containers   *ContainerService
	APIKeys      *APIKeyService
	Dispatcher   *Dispatcher
}

// Collaborators are the pluggable pieces the deployment pipeline consults.
type Collaborators struct {
	Resources ResourceValidator
	Ports     PortAllocator
	Hook      PredeployHook
	Live      LivePusher
}

func NewServices(db DB, collab Collaborators, logger zerolog.Logger) *Services {
	tasks := NewTaskService(db)
	dispatcher := NewDispatcher(tasks, collab.Live, logger)
	apps := NewApplicationService(db)
	nodes := NewNodeService(db, dispatcher)
	deployments := NewDeploymentService(db, dispatcher, apps, nodes,
		collab.Resources, collab.Ports, collab.Hook, logger)
	return &Services{
		Nodes:        nodes,
		Applications: apps,
		Deployments:  deployments,
		Tasks:        tasks,
		Containers:   NewContainerService(db),
		APIKeys:      NewAPIKeyService(db),
		Dispatcher:   dispatcher,
	}
}
