package domain

// StrategyKind discriminates the build strategy selected for a repository.
type StrategyKind int

const (
	// StrategyStatic serves the repository (or its build output) as files.
	StrategyStatic StrategyKind = iota
	// StrategyNodeJS installs dependencies and runs a build command before
	// serving the output directory.
	StrategyNodeJS
	// StrategyDocker builds an image from the repository Dockerfile and runs
	// it as a container.
	StrategyDocker
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyNodeJS:
		return "nodejs"
	case StrategyDocker:
		return "docker"
	default:
		return "static"
	}
}

// Strategy is the closed classification result for a checked-out repository.
// Lambda is meaningful only when Kind is StrategyDocker.
type Strategy struct {
	Kind   StrategyKind
	Lambda bool
}
